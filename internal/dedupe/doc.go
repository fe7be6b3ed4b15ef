// Package dedupe remembers keys for a bounded window.
//
// Two callers rely on it: OAuth2 state tokens are single-use within their
// lifetime, and the tool-set assembler logs a failing source once per user
// per warn window instead of on every turn.
//
//	w := dedupe.NewWindow(10*time.Minute, 10000)
//	defer w.Close()
//	if w.Seen(stateID) {
//	    return ErrStateReused
//	}
//
// The window holds at most its capacity; the key remembered longest ago is
// forgotten first.
package dedupe
