// Package config loads the driver agent configuration.
//
// # Resolution order
//
//  1. Built-in defaults (see Default)
//  2. The TOML file passed to Load, or ~/.config/optrack/config.toml
//  3. OPTRACK_* environment variables
//
// A missing file is not an error. Empty values in the file fall back to the defaults.
// Durations use Go syntax ("15s", "5m", "12h").
//
// # TOML format
//
//	http_addr = "127.0.0.1:8470"
//	database_path = "~/.local/share/optrack/optrack.db"
//	log_level = "info"
//
//	[gps]
//	enabled = true
//	bind = ":1883"
//	device = ""          # accept any unit when empty
//	mdns = true
//	timeout = "10s"
//
//	[sampling]
//	min_interval = "15s"
//	min_distance_m = 20.0
//	min_rotation_deg = 15.0
//
//	[sync]
//	interval = "5m"
//
//	[fleet]
//	broker_url = "tcp://fleet.example:1883"   # loopback acknowledgement when empty
//	topic_prefix = "fleet"
//
//	[session]
//	ttl = "12h"
//	inactivity = "30m"
//
//	[operator]
//	identifier = "123.456.789-00"
//	secret_hash = "$2a$10$..."   # or secret = "..." (hashed at startup)
//
//	[profile]
//	user_id = "motorista123"
//	vehicle = "ABC1234"
//	active_buttons = ["1", "2", "6"]
//	[profile.names]
//	"6" = "Aguardando Carga de Água"
//
//	[[buttons]]          # replaces the built-in catalog when present
//	id = "1"
//	name = "Operando"
//
// There are no built-in operator credentials: login fails until [operator] is configured.
package config
