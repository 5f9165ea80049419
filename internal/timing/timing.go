// Package timing extracts the measurements reported by the time(1) harness that
// wraps every guarded benchmark binary.
package timing

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"benchrun/internal/command"
)

// Marker prefixes every line written by the harness.
const Marker = "BB-TIME: "

// Format is handed to time(1) -f: user, system and wall-clock seconds.
const Format = Marker + "%U-%S-%e"

// Sample is a single user/system/real measurement in seconds.
type Sample struct {
	User   float64 `json:"user_s"`
	System float64 `json:"system_s"`
	Real   float64 `json:"real_s"`
}

const number = `(\d+(?:\.\d*)?|\.\d+)(?:[eE][-+]?\d+)?`

var (
	templatesMu sync.Mutex
	templates   = map[string]*regexp.Regexp{}
)

func template(marker string) *regexp.Regexp {
	templatesMu.Lock()
	defer templatesMu.Unlock()
	if re, ok := templates[marker]; ok {
		return re
	}
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(marker) + `(` + number + `)-(` + number + `)-(` + number + `)$`)
	templates[marker] = re
	return re
}

// Parse selects the lines containing marker and returns a sample for every one
// of them that matches "<marker><user>-<system>-<real>". Lines carrying the
// marker but not the template are dropped. An empty result is not an error.
func Parse(marker string, lines []string) []Sample {
	re := template(marker)
	var samples []Sample
	for _, line := range lines {
		if !strings.Contains(line, marker) {
			continue
		}
		m := re.FindStringSubmatch(strings.TrimRight(line, " \t\r\n"))
		if m == nil {
			continue
		}
		sample, ok := sampleFrom(m)
		if !ok {
			continue
		}
		samples = append(samples, sample)
	}
	return samples
}

// ParseString is Parse over the lines of text.
func ParseString(marker, text string) []Sample {
	return Parse(marker, strings.Split(text, "\n"))
}

// ParseReader is Parse over a line-oriented stream.
func ParseReader(marker string, r io.Reader) ([]Sample, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return Parse(marker, lines), nil
}

func sampleFrom(m []string) (Sample, bool) {
	// m[1], m[3], m[5] hold the full numbers; the even groups are their mantissas.
	var vals [3]float64
	for i, idx := range []int{1, 3, 5} {
		v, err := strconv.ParseFloat(m[idx], 64)
		if err != nil {
			return Sample{}, false
		}
		vals[i] = v
	}
	return Sample{User: vals[0], System: vals[1], Real: vals[2]}, true
}

// Wrap prefixes cmd with the time(1) harness. An empty binary leaves cmd as is.
func Wrap(cmd command.Command, timeBinary string) command.Command {
	if timeBinary == "" {
		return cmd
	}
	wrapped := cmd
	wrapped.Path = timeBinary
	wrapped.Args = append([]string{"-f", Format, cmd.Path}, cmd.Args...)
	return wrapped
}
