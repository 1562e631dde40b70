// Package telemetry reads battery state from the BMS over Modbus and writes
// the dispatch control registers.
package telemetry

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/goburrow/modbus"
	"github.com/levenlabs/go-lflag"
)

// BMS register map of the reference battery system.
const (
	regSOC           = 0x208 // input: state of charge, percent
	regTemperature   = 0x209 // input: battery temperature, 0.1 degC
	regDischargeRate = 0x210 // holding: commanded discharge, 0.01 kWh units
	regDREnable      = 0x220 // holding: DR event latch, 0 = disabled
)

// BMS is the battery management system surface the runtime needs.
type BMS interface {
	// ReadSOCPercent returns the raw state of charge in [0,100].
	ReadSOCPercent() (float64, error)

	// ReadTemperatureC returns the battery temperature in degrees Celsius.
	ReadTemperatureC() (float64, error)

	// ReadDREnabled reports whether DR events are currently enabled.
	ReadDREnabled() (bool, error)

	// WriteDREnabled sets the DR event latch.
	WriteDREnabled(enabled bool) error

	// WriteDischargeRate commands the discharge for an accepted bid.
	WriteDischargeRate(capacityKWH float64) error

	Close() error
}

// Modbus implements BMS over an RTU serial line or Modbus TCP.
type Modbus struct {
	device     string
	baudRate   int
	tcpAddress string
	slaveID    int

	client     modbus.Client
	rtuHandler *modbus.RTUClientHandler
	tcpHandler *modbus.TCPClientHandler
}

// Configured sets up the Modbus BMS based on flags.
func Configured() *Modbus {
	m := &Modbus{}
	device := lflag.String("bms-serial-device", "/dev/ttyUSB0", "Serial device for the BMS RS-485 line")
	baud := lflag.Int("bms-baud-rate", 9600, "Baud rate for the BMS RS-485 line")
	tcpAddress := lflag.String("bms-tcp-address", "", "Modbus TCP address for the BMS (overrides serial)")
	slaveID := lflag.Int("bms-slave-id", 1, "Modbus slave ID of the BMS")

	lflag.Do(func() {
		m.device = *device
		m.baudRate = *baud
		m.tcpAddress = *tcpAddress
		m.slaveID = *slaveID
	})

	return m
}

// Validate checks the configuration.
func (m *Modbus) Validate() error {
	if m.tcpAddress == "" && m.device == "" {
		return fmt.Errorf("either bms-tcp-address or bms-serial-device is required")
	}
	if m.slaveID < 0 || m.slaveID > 247 {
		return fmt.Errorf("bms-slave-id must be in [0,247], got %d", m.slaveID)
	}
	return nil
}

// Init opens the Modbus connection. Must be called before reads/writes.
func (m *Modbus) Init() error {
	if m.tcpAddress != "" {
		handler := modbus.NewTCPClientHandler(m.tcpAddress)
		handler.SlaveId = byte(m.slaveID)
		handler.Timeout = 1 * time.Second
		if err := handler.Connect(); err != nil {
			return fmt.Errorf("failed to connect to BMS over TCP (%s): %w", m.tcpAddress, err)
		}
		m.tcpHandler = handler
		m.client = modbus.NewClient(handler)
		return nil
	}

	handler := modbus.NewRTUClientHandler(m.device)
	handler.BaudRate = m.baudRate
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.SlaveId = byte(m.slaveID)
	handler.Timeout = 1 * time.Second
	if err := handler.Connect(); err != nil {
		return fmt.Errorf("failed to connect to BMS over RTU (%s): %w", m.device, err)
	}
	m.rtuHandler = handler
	m.client = modbus.NewClient(handler)
	return nil
}

// Close closes the Modbus connection.
func (m *Modbus) Close() error {
	if m.rtuHandler != nil {
		return m.rtuHandler.Close()
	}
	if m.tcpHandler != nil {
		return m.tcpHandler.Close()
	}
	return nil
}

func (m *Modbus) readInputU16(address uint16) (uint16, error) {
	data, err := m.client.ReadInputRegisters(address, 1)
	if err != nil {
		return 0, fmt.Errorf("failed to read register 0x%x: %w", address, err)
	}
	if len(data) < 2 {
		return 0, fmt.Errorf("short read for register 0x%x: %d bytes", address, len(data))
	}
	return binary.BigEndian.Uint16(data), nil
}

// ReadSOCPercent implements BMS.
func (m *Modbus) ReadSOCPercent() (float64, error) {
	raw, err := m.readInputU16(regSOC)
	if err != nil {
		return 0, err
	}
	return float64(raw), nil
}

// ReadTemperatureC implements BMS.
func (m *Modbus) ReadTemperatureC() (float64, error) {
	raw, err := m.readInputU16(regTemperature)
	if err != nil {
		return 0, err
	}
	return float64(int16(raw)) / 10.0, nil
}

// ReadDREnabled implements BMS.
func (m *Modbus) ReadDREnabled() (bool, error) {
	data, err := m.client.ReadHoldingRegisters(regDREnable, 1)
	if err != nil {
		return false, fmt.Errorf("failed to read DR status register: %w", err)
	}
	if len(data) < 2 {
		return false, fmt.Errorf("short read for DR status register: %d bytes", len(data))
	}
	return binary.BigEndian.Uint16(data) > 0, nil
}

// WriteDREnabled implements BMS.
func (m *Modbus) WriteDREnabled(enabled bool) error {
	var v uint16
	if enabled {
		v = 1
	}
	if _, err := m.client.WriteSingleRegister(regDREnable, v); err != nil {
		return fmt.Errorf("failed to write DR enable register: %w", err)
	}
	return nil
}

// WriteDischargeRate implements BMS.
func (m *Modbus) WriteDischargeRate(capacityKWH float64) error {
	if capacityKWH < 0 {
		return fmt.Errorf("discharge rate must be >= 0, got %v", capacityKWH)
	}
	// register holds 0.01 kWh units
	scaled := capacityKWH * 100
	if scaled > 65535 {
		scaled = 65535
	}
	if _, err := m.client.WriteSingleRegister(regDischargeRate, uint16(scaled)); err != nil {
		return fmt.Errorf("failed to write discharge rate register: %w", err)
	}
	return nil
}
