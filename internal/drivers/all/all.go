// Package all registers every built-in driver with the global registry.
package all

import (
	_ "wemoemu/internal/drivers/commandline"
	_ "wemoemu/internal/drivers/homeassistant"
	_ "wemoemu/internal/drivers/loopback"
	_ "wemoemu/internal/drivers/mqtt"
	_ "wemoemu/internal/drivers/restapi"
	_ "wemoemu/internal/drivers/zwave"
)
