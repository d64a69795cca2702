// Package process provides modules.Target implementations: Live for
// running Linux processes and Snapshot for image files analyzed
// offline.
package process
