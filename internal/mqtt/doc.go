// Package mqtt publishes each Sign In App account to Home Assistant
// through MQTT discovery and accepts sign-in and sign-out commands on
// MQTT topics.
//
// Every account appears as its own HA device with a status sensor,
// whose attributes carry the last sign-in and sign-out times, and one
// button per presence command. The bridge itself is a separate device
// with a version sensor.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads, a
// birth message ("online") to the availability topic, and subscribes
// to the command topics. A will message ensures the availability topic
// transitions to "offline" on unexpected disconnects.
package mqtt
