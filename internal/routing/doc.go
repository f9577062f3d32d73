// Package routing assigns new conversations to agents by channel rules.
package routing
