package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tarm/serial"
	"gopkg.in/yaml.v3"

	modbus "github.com/young-nights/go-modbus"
	"github.com/young-nights/go-modbus/packet"
	"github.com/young-nights/go-modbus/transport"
)

var (
	flagTCP         string
	flagSerial      string
	flagBaud        int
	flagParity      string
	flagUnit        uint8
	flagAckTimeout  time.Duration
	flagByteTimeout time.Duration
	flagDebug       bool
)

func main() {
	root := &cobra.Command{
		Use:           "modbus-cli",
		Short:         "Modbus master command line tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flagTCP, "tcp", "", "Modbus TCP server address as host:port")
	pf.StringVar(&flagSerial, "serial", "", "serial device for Modbus RTU, e.g. /dev/ttyUSB0")
	pf.IntVar(&flagBaud, "baud", 19200, "serial baud rate")
	pf.StringVar(&flagParity, "parity", "N", "serial parity: N, E or O")
	pf.Uint8Var(&flagUnit, "unit", 1, "server unit id (1-247)")
	pf.DurationVar(&flagAckTimeout, "ack-timeout", transport.DefaultAckTimeout, "time to wait for the first response byte")
	pf.DurationVar(&flagByteTimeout, "byte-timeout", transport.DefaultInterByteTimeout, "quiet period that ends a frame")
	pf.BoolVar(&flagDebug, "debug", false, "log communication failure details")

	root.AddCommand(newReadCommand(), newWriteCommand(), newPollCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagDebug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newMaster connects a master over the transport the flags select: a TCP
// client port, or a serial device opened with tarm/serial and adapted
// through the generic port wrapper.
func newMaster(logger *slog.Logger) (*modbus.Master, error) {
	var port transport.Port
	var protocol modbus.ProtocolType

	switch {
	case flagSerial != "":
		conf := &serial.Config{
			Name:        flagSerial,
			Baud:        flagBaud,
			ReadTimeout: 5 * time.Millisecond,
		}
		switch flagParity {
		case "E":
			conf.Parity = serial.ParityEven
		case "O":
			conf.Parity = serial.ParityOdd
		default:
			conf.Parity = serial.ParityNone
		}
		dev, err := serial.OpenPort(conf)
		if err != nil {
			return nil, fmt.Errorf("opening serial device failed: %w", err)
		}
		port = transport.NewIOPort(dev)
		protocol = modbus.ProtocolRTU
	case flagTCP != "":
		host, portNum, err := splitHostPort(flagTCP)
		if err != nil {
			return nil, err
		}
		port = transport.NewTCPPort(transport.TCPConfig{Host: host, Port: portNum})
		protocol = modbus.ProtocolTCP
	default:
		return nil, fmt.Errorf("either --tcp or --serial must be given")
	}

	master := modbus.NewMaster(transport.NewBackend(port), modbus.MasterConfig{
		Protocol: protocol,
		UnitID:   flagUnit,
		Logger:   logger,
	})
	master.SetTimeouts(flagAckTimeout, flagByteTimeout)
	if err := master.Connect(); err != nil {
		return nil, fmt.Errorf("connect failed: %w", err)
	}
	return master, nil
}

func splitHostPort(address string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, fmt.Errorf("invalid --tcp address %q: %w", address, err)
	}
	portNum, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid --tcp port %q: %w", portStr, err)
	}
	return host, portNum, nil
}

func newReadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read {coils|discrete|holding|input} <address> <quantity>",
		Short: "Read coils, discrete inputs, holding or input registers",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			address, quantity, err := parseAddressQuantity(args[1], args[2])
			if err != nil {
				return err
			}
			master, err := newMaster(newLogger())
			if err != nil {
				return err
			}
			defer master.Close()

			switch args[0] {
			case "coils", "discrete":
				bits := make([]byte, (int(quantity)+7)/8)
				var n int
				if args[0] == "coils" {
					n, err = master.ReadBits(address, quantity, bits)
				} else {
					n, err = master.ReadInputBits(address, quantity, bits)
				}
				if err != nil {
					return err
				}
				for i := 0; i < n; i++ {
					state := 0
					if packet.BitmapGet(bits, i) {
						state = 1
					}
					fmt.Printf("%d: %d\n", int(address)+i, state)
				}
			case "holding", "input":
				values := make([]uint16, quantity)
				var n int
				if args[0] == "holding" {
					n, err = master.ReadRegs(address, quantity, values)
				} else {
					n, err = master.ReadInputRegs(address, quantity, values)
				}
				if err != nil {
					return err
				}
				for i := 0; i < n; i++ {
					fmt.Printf("%d: %d (0x%04X)\n", int(address)+i, values[i], values[i])
				}
			default:
				return fmt.Errorf("unknown read target: %v", args[0])
			}
			return nil
		},
	}
	return cmd
}

func newWriteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write {coil|register|registers} <address> <value>...",
		Short: "Write a coil, a register or consecutive registers",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			address64, err := strconv.ParseUint(args[1], 0, 16)
			if err != nil {
				return fmt.Errorf("invalid address %q: %w", args[1], err)
			}
			address := uint16(address64)

			master, err := newMaster(newLogger())
			if err != nil {
				return err
			}
			defer master.Close()

			switch args[0] {
			case "coil":
				value, err := strconv.ParseBool(args[2])
				if err != nil {
					return fmt.Errorf("invalid coil value %q: %w", args[2], err)
				}
				_, err = master.WriteBit(address, value)
				return err
			case "register":
				value, err := strconv.ParseUint(args[2], 0, 16)
				if err != nil {
					return fmt.Errorf("invalid register value %q: %w", args[2], err)
				}
				_, err = master.WriteReg(address, uint16(value))
				return err
			case "registers":
				values := make([]uint16, 0, len(args)-2)
				for _, arg := range args[2:] {
					value, err := strconv.ParseUint(arg, 0, 16)
					if err != nil {
						return fmt.Errorf("invalid register value %q: %w", arg, err)
					}
					values = append(values, uint16(value))
				}
				n, err := master.WriteRegs(address, values)
				if err != nil {
					return err
				}
				fmt.Printf("wrote %d registers\n", n)
				return nil
			default:
				return fmt.Errorf("unknown write target: %v", args[0])
			}
		},
	}
	return cmd
}

func parseAddressQuantity(addressArg string, quantityArg string) (uint16, uint16, error) {
	address, err := strconv.ParseUint(addressArg, 0, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid address %q: %w", addressArg, err)
	}
	quantity, err := strconv.ParseUint(quantityArg, 0, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid quantity %q: %w", quantityArg, err)
	}
	return uint16(address), uint16(quantity), nil
}

// pollConfig is the YAML layout of the poll subcommand configuration
type pollConfig struct {
	Interval time.Duration `yaml:"interval"`
	Fields   []pollField   `yaml:"fields"`
}

type pollField struct {
	Name    string  `yaml:"name"`
	Address uint16  `yaml:"address"`
	Type    string  `yaml:"type"`   // uint16, int16, uint32, int32, float32, string
	Length  uint16  `yaml:"length"` // bytes, for string fields
	Scale   float64 `yaml:"scale"`
}

func (f pollField) registers() uint16 {
	switch f.Type {
	case "uint32", "int32", "float32":
		return 2
	case "string":
		return (f.Length + 1) / 2
	default:
		return 1
	}
}

func newPollCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll holding registers periodically and extract typed fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(configPath)
			if err != nil {
				return fmt.Errorf("reading config failed: %w", err)
			}
			var conf pollConfig
			if err := yaml.Unmarshal(raw, &conf); err != nil {
				return fmt.Errorf("parsing config failed: %w", err)
			}
			if len(conf.Fields) == 0 {
				return fmt.Errorf("config has no fields")
			}
			if conf.Interval <= 0 {
				conf.Interval = time.Second
			}

			start, quantity := fieldSpan(conf.Fields)
			logger := newLogger()
			master, err := newMaster(logger)
			if err != nil {
				return err
			}
			defer master.Close()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			ticker := time.NewTicker(conf.Interval)
			defer ticker.Stop()

			for {
				registers, err := master.ReadRegsView(start, quantity)
				if err != nil {
					logger.Error("poll failed", "err", err)
				} else {
					for _, field := range conf.Fields {
						value, err := extractField(registers, field)
						if err != nil {
							logger.Error("extract failed", "field", field.Name, "err", err)
							continue
						}
						logger.Info("poll", "field", field.Name, "value", value)
					}
				}
				select {
				case <-stop:
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "poll.yaml", "path to YAML poll configuration")
	return cmd
}

func fieldSpan(fields []pollField) (start uint16, quantity uint16) {
	start = fields[0].Address
	end := start
	for _, f := range fields {
		if f.Address < start {
			start = f.Address
		}
		if last := f.Address + f.registers(); last > end {
			end = last
		}
	}
	return start, end - start
}

func extractField(registers *packet.Registers, field pollField) (any, error) {
	scale := field.Scale
	if scale == 0 {
		scale = 1
	}
	switch field.Type {
	case "int16":
		v, err := registers.Int16(field.Address)
		return float64(v) * scale, err
	case "uint32":
		v, err := registers.Uint32(field.Address)
		return float64(v) * scale, err
	case "int32":
		v, err := registers.Int32(field.Address)
		return float64(v) * scale, err
	case "float32":
		v, err := registers.Float32(field.Address)
		return float64(v) * scale, err
	case "string":
		return registers.String(field.Address, field.Length)
	default:
		v, err := registers.Uint16(field.Address)
		return float64(v) * scale, err
	}
}
