package parsing

import (
	"bufio"
	"fmt"
	"strings"
)

type QueueState int

const (
	StateUnknown QueueState = iota
	StatePending
	StateRunning
	StateHold
	StateDone
	StateError
)

func (s QueueState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	case StateHold:
		return "HOLD"
	case StateDone:
		return "DONE"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the job will not change state again.
func (s QueueState) Terminal() bool {
	return s == StateDone || s == StateError
}

// One-letter ST column codes of condor_q -nobatch.
var JOB_CODES = map[string]QueueState{
	"U": StatePending, // unexpanded
	"I": StatePending, // idle
	"R": StateRunning,
	"H": StateHold,
	"C": StateDone,
	"X": StateError, // removed
	"E": StateError,
}

const (
	queueHeaderPrefix = "ID "
	queueStatusColumn = 5
)

func decodeStatus(code string) QueueState {
	if state, ok := JOB_CODES[code]; ok {
		return state
	}
	return StateUnknown
}

// ParseQueueStatus decodes condor_q -nobatch output. Lines before the
// column header are skipped and the first blank line after it ends the
// job table, so the trailing summary is ignored.
func ParseQueueStatus(text string) map[string]QueueState {
	states, _ := ParseQueueSnapshot(text)
	return states
}

// ParseQueueSnapshot is ParseQueueStatus which also reports whether the
// column header was seen. condor_q prints the header even for an empty
// queue, so output without one says nothing about the jobs.
func ParseQueueSnapshot(text string) (map[string]QueueState, bool) {
	out := make(map[string]QueueState)
	started := false
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		if !started {
			started = strings.HasPrefix(strings.TrimSpace(line), queueHeaderPrefix)
			continue
		}
		if strings.TrimSpace(line) == "" {
			break
		}

		cols := strings.Fields(line)
		if len(cols) <= queueStatusColumn {
			continue
		}
		out[cols[0]] = decodeStatus(cols[queueStatusColumn])
	}
	return out, started
}

// ParseJobId extracts the job id from condor_submit --terse output,
// e.g. "1234.0 - 1234.0".
func ParseJobId(stdout string) (string, error) {
	fields := strings.FieldsFunc(strings.TrimSpace(stdout), func(r rune) bool {
		return r == ' ' || r == '-' || r == '\n' || r == '\t'
	})
	if len(fields) == 0 {
		return "", fmt.Errorf("unable to parse job id from submit output %q", stdout)
	}
	return fields[0], nil
}

func SubmitCommand(submitFile string) []string {
	return []string{"condor_submit", "--terse", submitFile}
}

func KillCommand() []string {
	return []string{"condor_rm"}
}

func QueueStatusCommand() []string {
	return []string{"condor_q", "-nobatch"}
}
