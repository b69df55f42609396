/*
Package clock abstracts time for deterministic tests.

Clock covers the operations BuildNet's loops need: Now, After, NewTimer,
NewTicker, and a context-aware Sleep. Real returns the wall-clock
implementation; Fake is a manually advanced clock whose Advance fires every
timer and ticker due at or before the new time, in order. WaiterCount lets
tests confirm a loop has armed its timer before advancing.

Every component that schedules work (registry health scans, session
eviction, watcher debounce, tracker broadcasts, auto-build delays) takes a
Clock so its timing can be driven from tests without sleeping.
*/
package clock
