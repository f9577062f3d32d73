// Package snooze reopens conversations once their snooze deadline passes.
package snooze
