// Package reconcile keeps local buffers consistent with the workspace.
//
// It has two halves. The Joiner runs once per room_info: it classifies every
// manifest buffer against the local directory, asks the user to pick a side
// when they diverged, and starts uploads or refetches accordingly. The Engine
// handles the steady state: it applies incoming patches with MD5
// verification, turns local edits into outgoing patches, and installs full
// buffer bodies when they arrive.
//
// Everything in this package runs on the event loop.
package reconcile
