// Commands: the tagged-union normalisation function from spec.md §4.5.2
// and §9 ("Define a tagged union ... and a single normalisation function
// per variant ... this is the only place coercion is allowed").
package control

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/devskill-org/evse-driver/model"
)

// ValidateCommand runs cmd through the same per-variant normalisation
// ApplyCommands uses, against a scratch Intent, without touching any live
// engine state. Handlers call this synchronously before enqueuing a
// command onto the Inbox so a normalisation rejection can be reported as
// an HTTP 400 instead of silently vanishing inside the next tick (the
// Inbox has no feedback channel back to the caller).
func ValidateCommand(cmd model.Command) (rejectReason string) {
	var scratch model.Intent
	rejections := ApplyCommands(&scratch, []model.Command{cmd})
	if len(rejections) > 0 {
		return rejections[0].Reason
	}
	return ""
}

// ApplyCommands normalises and applies each command in cmds, in order,
// mutating intent in place. It returns the rejections for commands that
// failed normalisation (a Policy notice, never a hard error).
func ApplyCommands(intent *model.Intent, cmds []model.Command) []model.Rejection {
	var rejections []model.Rejection
	for _, cmd := range cmds {
		var reason string
		switch cmd.Kind {
		case model.CmdSetMode:
			reason = applySetMode(intent, cmd.Raw)
		case model.CmdSetStartStop:
			reason = applySetStartStop(intent, cmd.Raw)
		case model.CmdSetCurrent:
			reason = applySetCurrent(intent, cmd.Raw)
		default:
			reason = "unrecognised command kind"
		}
		if reason != "" {
			rejections = append(rejections, model.Rejection{Command: cmd, Reason: reason})
		}
	}
	return rejections
}

// applySetMode normalises v (int, bool, or case-insensitive string) to
// {0,1,2}; anything else rejects the command, discarding it with a
// warning rather than applying a default.
func applySetMode(intent *model.Intent, v any) (rejectReason string) {
	switch t := v.(type) {
	case int:
		return setModeFromInt(intent, t)
	case float64:
		return setModeFromInt(intent, int(t))
	case bool:
		if t {
			intent.Mode = model.ModeAuto
		} else {
			intent.Mode = model.ModeManual
		}
		return ""
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "manual", "0":
			intent.Mode = model.ModeManual
		case "auto", "1":
			intent.Mode = model.ModeAuto
		case "scheduled", "2":
			intent.Mode = model.ModeScheduled
		default:
			return fmt.Sprintf("unrecognised mode string %q", t)
		}
		return ""
	default:
		return fmt.Sprintf("unrecognised mode value type %T", v)
	}
}

func setModeFromInt(intent *model.Intent, n int) string {
	switch n {
	case 0:
		intent.Mode = model.ModeManual
	case 1:
		intent.Mode = model.ModeAuto
	case 2:
		intent.Mode = model.ModeScheduled
	default:
		return fmt.Sprintf("mode out of range: %d", n)
	}
	return ""
}

// applySetStartStop normalises v (bool, number, or string) to {0,1};
// anything truthy becomes 1.
func applySetStartStop(intent *model.Intent, v any) (rejectReason string) {
	switch t := v.(type) {
	case bool:
		intent.StartStop = boolToInt(t)
	case int:
		intent.StartStop = boolToInt(t != 0)
	case float64:
		intent.StartStop = boolToInt(t != 0)
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		switch s {
		case "1", "true", "on", "start", "yes":
			intent.StartStop = 1
		case "0", "false", "off", "stop", "no", "":
			intent.StartStop = 0
		default:
			if n, err := strconv.ParseFloat(s, 64); err == nil {
				intent.StartStop = boolToInt(n != 0)
				return ""
			}
			return fmt.Sprintf("unrecognised start/stop string %q", t)
		}
	default:
		return fmt.Sprintf("unrecognised start/stop value type %T", v)
	}
	return ""
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// applySetCurrent clamps v to [6.0, 32.0] per spec.md §4.5.2, raising
// values below the floor and lowering values above the ceiling; it
// never rejects a numeric value, only a non-numeric one.
func applySetCurrent(intent *model.Intent, v any) (rejectReason string) {
	var amps float64
	switch t := v.(type) {
	case float64:
		amps = t
	case int:
		amps = float64(t)
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return fmt.Sprintf("unrecognised set_current string %q", t)
		}
		amps = n
	default:
		return fmt.Sprintf("unrecognised set_current value type %T", v)
	}

	const floor, ceiling = 6.0, 32.0
	if amps < floor {
		amps = floor
	} else if amps > ceiling {
		amps = ceiling
	}
	intent.SetCurrent = amps
	return ""
}
