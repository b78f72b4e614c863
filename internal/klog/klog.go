// Package klog scopes logrus entries with the component fields the kernel,
// tile multiplexer, and resource manager attach to every log line, the way
// dockerUtils attaches container-id fields before logging.
package klog

import "github.com/sirupsen/logrus"

// For returns a logger entry tagged with the given component name
// ("syscall", "tilemux", "resmng", ...).
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

// ForTile further scopes a component logger with a tile id.
func ForTile(component string, tile uint32) *logrus.Entry {
	return For(component).WithField("tile", tile)
}

// ForActivity further scopes a component logger with an activity id.
func ForActivity(component string, tile uint32, act uint32) *logrus.Entry {
	return ForTile(component, tile).WithField("activity", act)
}
