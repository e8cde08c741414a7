// Package events publishes pipeline lifecycle callbacks to in-process
// subscribers and streams them to HTTP clients as Server-Sent Events.
package events
