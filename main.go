package ethdma

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/ethdma/config"
	"github.com/slackhq/ethdma/mac"
	"github.com/slackhq/ethdma/phy"
	"github.com/slackhq/ethdma/ring"
	"github.com/slackhq/ethdma/sniffer"
	"github.com/slackhq/ethdma/util"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

// Main builds an interface for dev from the configuration. When configTest
// is set the configuration is validated and printed but nothing is started.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger, dev mac.Device, h Handler) (*Control, error) {
	ctx, cancel := context.WithCancel(context.Background())
	// Automatically cancel the context if Main returns an error, to signal all created goroutines to quit.
	defer func() {
		if cancel != nil {
			cancel()
		}
	}()

	if logger == nil {
		logger = logrus.New()
	}
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	if dev == nil {
		return nil, util.NewContextualError("No mac device", nil, errors.New("a device is required"))
	}

	ifConfig, err := interfaceConfigFromConfig(c)
	if err != nil {
		return nil, err
	}
	ifConfig.Device = dev
	ifConfig.Handler = h
	ifConfig.Metrics = metrics.DefaultRegistry
	ifConfig.l = l

	groups, err := parseGroups(c)
	if err != nil {
		return nil, util.NewContextualError("Failed to parse multicast.groups", nil, err)
	}

	statsStart, err := startStats(l, c, ifConfig.Metrics, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
	// All non hardware modifying configuration consumption should live above this line
	// rings, captures, anything touching the device should be below
	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

	if configTest {
		return nil, nil
	}

	if path := c.GetString("pcap.file", ""); path != "" {
		w, err := sniffer.Create(path, c.GetInt("pcap.snaplen", sniffer.DefaultSnapLen))
		if err != nil {
			return nil, util.NewContextualError("Failed to open capture file", m{"path": path}, err)
		}
		ifConfig.Tap = w
		l.WithField("path", path).Info("Capturing frames")
	}

	ifce, err := NewInterface(ifConfig)
	if err != nil {
		if closer, ok := ifConfig.Tap.(*sniffer.Writer); ok {
			closer.Close()
		}
		return nil, util.ContextualizeIfNeeded("Failed to initialize interface", err)
	}

	for _, g := range groups {
		if err := ifce.JoinGroup(g); err != nil {
			ifce.Close()
			return nil, util.NewContextualError("Failed to join multicast group", m{"group": g.String()}, err)
		}
	}

	ifce.RegisterConfigChangeCallbacks(c)
	c.CatchHUP(ctx)

	l.WithField("build", buildVersion).Info("Interface configured")

	ctrl := &Control{
		f:          ifce,
		l:          l,
		ctx:        ctx,
		cancel:     cancel,
		statsStart: statsStart,
	}
	cancel = nil
	return ctrl, nil
}

func interfaceConfigFromConfig(c *config.C) (*InterfaceConfig, error) {
	ic := &InterfaceConfig{
		TxDescriptors: c.GetInt("ring.tx.descriptors", DefaultDescriptors),
		RxDescriptors: c.GetInt("ring.rx.descriptors", DefaultDescriptors),
		BufferSize:    c.GetInt("ring.buffer_size", DefaultBufferSize),
		Alignment:     c.GetInt("ring.alignment", ring.DefaultAlignment),
		Settings: mac.Settings{
			Speed:           phy.Speed100,
			Duplex:          phy.Full,
			Promiscuous:     c.GetBool("mac.promiscuous", false),
			VLAN:            c.GetBool("mac.vlan", false),
			Loopback:        c.GetBool("mac.loopback", false),
			MaxFrameLen:     c.GetInt("mac.max_frame_len", DefaultMaxFrameLen),
			ChecksumOffload: c.GetBool("mac.checksum_offload", false),
		},
		PHY: phy.Config{
			SettleDelay:    c.GetDuration("phy.settle", phy.DefaultSettleDelay),
			MaxInitRetries: c.GetInt("phy.init_retries", phy.DefaultMaxInitRetries),
		},
		PHYTick:       c.GetDuration("phy.tick", DefaultPHYTick),
		TimestampRing: c.GetInt("ptp.ring_size", DefaultTimestampRing),
		RxWorker:      c.GetBool("rx.worker", true),
		StatsInterval: c.GetDuration("stats.interval", 0),
	}

	addr := c.GetInt("phy.address", 0)
	if addr < 0 || addr > 31 {
		return nil, util.NewContextualError("Invalid phy.address", m{"phy.address": addr}, errors.New("must be between 0 and 31"))
	}
	ic.PHY.Address = uint8(addr)

	for _, r := range []struct {
		name  string
		count int
	}{{"ring.tx.descriptors", ic.TxDescriptors}, {"ring.rx.descriptors", ic.RxDescriptors}} {
		if err := ring.CheckConfig(r.count, ic.BufferSize, ic.Alignment); err != nil {
			return nil, util.NewContextualError("Invalid ring configuration", m{r.name: r.count, "ring.buffer_size": ic.BufferSize, "ring.alignment": ic.Alignment}, err)
		}
	}

	if ic.Settings.MaxFrameLen < 64 {
		return nil, util.NewContextualError("Invalid mac.max_frame_len", m{"mac.max_frame_len": ic.Settings.MaxFrameLen}, errors.New("must be at least 64"))
	}
	if ic.TimestampRing < 1 {
		return nil, util.NewContextualError("Invalid ptp.ring_size", m{"ptp.ring_size": ic.TimestampRing}, errors.New("must be at least 1"))
	}
	hz := c.GetInt("ptp.clock_hz", DefaultClockHz)
	if hz <= 0 {
		return nil, util.NewContextualError("Invalid ptp.clock_hz", m{"ptp.clock_hz": hz}, errors.New("must be positive"))
	}
	ic.ClockHz = uint64(hz)

	return ic, nil
}

func parseGroups(c *config.C) ([]net.HardwareAddr, error) {
	raw := c.GetStringSlice("multicast.groups", nil)
	groups := make([]net.HardwareAddr, 0, len(raw))
	for _, s := range raw {
		addr, err := net.ParseMAC(s)
		if err != nil {
			return nil, err
		}
		if len(addr) != 6 || addr[0]&1 == 0 {
			return nil, fmt.Errorf("%s: %w", s, ErrNotMulticast)
		}
		groups = append(groups, addr)
	}
	return groups, nil
}
