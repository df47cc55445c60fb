// w5kcfg brings up a W5500 Ethernet module on a Linux SPI bus: it detects
// the chip, configures its interface statically or over DHCP, and can
// resolve a hostname through the configured DNS server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spiethernet/wiznet5k-go/bus/spidev"
	"github.com/spiethernet/wiznet5k-go/dhcp"
	"github.com/spiethernet/wiznet5k-go/dnsclient"
	"github.com/spiethernet/wiznet5k-go/jsoncfg"
	"github.com/spiethernet/wiznet5k-go/tslog"
	"github.com/spiethernet/wiznet5k-go/wiznet5k"
)

// Config is the w5kcfg JSON configuration document.
type Config struct {
	// Device is the spidev path the chip is wired to, e.g. /dev/spidev0.0.
	Device string `json:"device"`

	// MaxSpeedHz overrides the SPI clock rate.
	MaxSpeedHz uint32 `json:"maxSpeedHz"`

	// MAC overrides the chip's hardware address, e.g. "de:ad:be:ef:fe:ed".
	MAC string `json:"mac"`

	// DHCP enables lease negotiation; Static is used otherwise.
	DHCP     bool              `json:"dhcp"`
	Hostname string            `json:"hostname"`
	Static   wiznet5k.IfConfig `json:"static"`
}

var (
	testConf bool
	confPath string
	resolve  string
	logCfg   tslog.Config
)

func init() {
	flag.BoolVar(&testConf, "testConf", false, "Test the configuration file without touching the hardware")
	flag.StringVar(&confPath, "confPath", "", "Path to JSON configuration file")
	flag.StringVar(&resolve, "resolve", "", "Hostname to resolve after the interface is up")
	flag.TextVar(&logCfg.Level, "logLevel", slog.LevelInfo, "Log level: debug, info, warn, error")
	flag.BoolVar(&logCfg.NoColor, "logNoColor", false, "Disable colors in log output")
	flag.BoolVar(&logCfg.NoTime, "logNoTime", false, "Disable timestamps in log output")
	flag.BoolVar(&logCfg.UseTextHandler, "logUseTextHandler", false, "Use text handler instead of tint handler for log output")
	flag.BoolVar(&logCfg.UseJSONHandler, "logUseJSONHandler", false, "Use JSON handler instead of tint handler for log output")
}

func main() {
	flag.Parse()

	if confPath == "" {
		fmt.Println("Missing -confPath <path>.")
		flag.Usage()
		os.Exit(1)
	}

	logger := logCfg.NewLogger(os.Stderr)

	var cfg Config
	if err := jsoncfg.Open(confPath, &cfg); err != nil {
		logger.Error("Failed to load config",
			slog.String("confPath", confPath),
			tslog.Err(err),
		)
		os.Exit(1)
	}
	if cfg.Device == "" {
		logger.Error("Missing device path in config", slog.String("confPath", confPath))
		os.Exit(1)
	}

	var mac net.HardwareAddr
	if cfg.MAC != "" {
		var err error
		if mac, err = net.ParseMAC(cfg.MAC); err != nil {
			logger.Error("Invalid MAC address in config",
				slog.String("mac", cfg.MAC),
				tslog.Err(err),
			)
			os.Exit(1)
		}
	}

	if testConf {
		logger.Info("Config test OK", slog.String("confPath", confPath))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("Received exit signal", slog.Any("signal", sig))
		cancel()
	}()

	if err := run(ctx, logger, cfg, mac); err != nil {
		logger.Error("Failed to bring up interface", tslog.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *tslog.Logger, cfg Config, mac net.HardwareAddr) error {
	tr, err := spidev.Open(cfg.Device, spidev.Config{MaxSpeedHz: cfg.MaxSpeedHz})
	if err != nil {
		return err
	}
	defer tr.Close()

	dev, err := wiznet5k.New(tr, wiznet5k.Config{
		MAC:    mac,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	if err = awaitLink(ctx, dev, logger); err != nil {
		return err
	}

	if cfg.DHCP {
		lease, err := dhcp.Configure(ctx, dev, logger, cfg.Hostname)
		if err != nil {
			return err
		}
		logger.Info("Interface up via DHCP",
			tslog.Addr("addr", lease.Addr),
			slog.Duration("leaseTime", lease.LeaseTime),
		)
	} else {
		if err = dev.SetIfConfig(cfg.Static); err != nil {
			return err
		}
		logger.Info("Interface up", tslog.Addr("addr", cfg.Static.Addr))
	}

	if resolve != "" {
		addr, err := dnsclient.HostByName(ctx, dev, logger, resolve)
		if err != nil {
			return err
		}
		logger.Info("Resolved host",
			slog.String("host", resolve),
			tslog.Addr("addr", addr),
		)
		fmt.Println(addr)
	}
	return nil
}

func awaitLink(ctx context.Context, dev *wiznet5k.Device, logger *tslog.Logger) error {
	for {
		up, err := dev.LinkUp()
		if err != nil {
			return err
		}
		if up {
			return nil
		}
		logger.Debug("Waiting for link")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
