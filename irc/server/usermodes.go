package server

import (
	"strings"

	"github.com/presbrey/ts6d/irc/state"
)

// User modes the server knows:
// i - invisible
// o - IRC operator
// s - receives server notices
// w - receives wallops
const userModes = "iosw"

// settable are the modes a user may set on themselves. Operator status is
// only granted by OPER but can be dropped with -o.
const settable = "isw"

// filterUserModes splits requested changes into the ones a user may make
// and the unknown letters.
func filterUserModes(changes []state.ModeChange) (allowed []state.ModeChange, unknown bool) {
	for _, mc := range changes {
		switch {
		case strings.IndexByte(settable, mc.Mode) >= 0:
			allowed = append(allowed, mc)
		case mc.Mode == 'o':
			if !mc.Add {
				allowed = append(allowed, mc)
			}
		default:
			unknown = true
		}
	}
	return allowed, unknown
}

// isOper reports whether u holds operator status.
func isOper(u state.User) bool { return u.Modes.Has('o') }
