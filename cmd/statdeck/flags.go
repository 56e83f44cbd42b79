package main

// Flag names double as viper keys, so they follow the config file layout
const (
	FlagConfig      = "config"
	FlagDataDir     = "data-dir"
	FlagLogLevel    = "logging.level"
	FlagLogConsole  = "logging.enable-console"
	FlagLogFile     = "logging.enable-file"
	FlagLogJSON     = "logging.json-format"
	FlagPort        = "serial.port"
	FlagBaudRate    = "serial.baud-rate"
	FlagAutoConnect = "serial.auto-connect"
	FlagListen      = "server.listen"
	FlagServer      = "server.enabled"
	FlagKeyDevice   = "keyboard.device-path"

	// flagDevice is local to the keylistener helper and never bound to viper
	flagDevice = "device"
)

const envPrefix = "STATDECK"
