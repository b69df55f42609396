/*
Package config defines BuildNet's daemon configuration.

Config is a YAML-mapped struct with one section per subsystem (daemon,
network, backend, watch, auto_build, workers, sessions, ledger, tracker,
build, log). Default returns the full set of defaults, Load overlays a YAML
file on top of them (a missing path just returns defaults), and Validate
rejects inconsistent values before the daemon starts.

Durations are stored as integer fields in the unit their name states
(debounce_ms, session_timeout_minutes) with helper methods that convert to
time.Duration, so the YAML stays plain numbers.
*/
package config
