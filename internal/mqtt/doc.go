// Package mqtt mirrors control-loop activity onto an MQTT broker.
//
// Every event published on the in-process bus is forwarded as JSON to
// <prefix>/events/<kind>. A small set of retained state topics under
// <prefix>/state/ (uptime, version, sessions, daily run counters) is
// refreshed on a timer, and <prefix>/info carries the instance
// identity.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to the
// availability topic; a will message flips it to "offline" on
// unexpected disconnects.
package mqtt
