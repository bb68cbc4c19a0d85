// Package infra holds the adapters between the dispense core and the
// outside world: hardware links (Modbus motor controller, serial scale
// bridge), MQTT command handling, metrics exporters, the calibration
// backend client and error reporting.
package infra
