package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/samsamfire/gocbus/pkg/config"
	"github.com/samsamfire/gocbus/pkg/fifo"
	"github.com/samsamfire/gocbus/pkg/mcp2515"
	"github.com/samsamfire/gocbus/pkg/record"
	log "github.com/sirupsen/logrus"

	_ "github.com/samsamfire/gocbus/pkg/chip/loopback"
	_ "github.com/samsamfire/gocbus/pkg/chip/socketcan"
	_ "github.com/samsamfire/gocbus/pkg/chip/virtual"
)

const POLL_PERIOD = time.Millisecond

func main() {
	// Command line arguments
	config_path := flag.String("c", "", "configuration file (.ini)")
	chip_interface := flag.String("i", "", "chip interface e.g. socketcan,socketcanraw,virtual")
	channel := flag.String("ch", "", "channel e.g. can0, localhost:18888")
	poll := flag.Bool("poll", false, "poll the controller instead of using the data ready line")
	crystal := flag.Uint("crystal", 0, "controller crystal frequency in Hz")
	buffers := flag.Int("buffers", 0, "number of receive buffers")
	record_path := flag.String("record", "", "append received frames to a CBOR capture file")
	status_period := flag.Duration("status", 10*time.Second, "status logging period, 0 to disable")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg := config.Default()
	if *config_path != "" {
		loaded, err := config.Load(*config_path)
		if err != nil {
			log.Fatalf("failed to load configuration %v : %v", *config_path, err)
		}
		cfg = loaded
	}
	// Command line overrides configuration file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "i":
			cfg.Interface = *chip_interface
		case "ch":
			cfg.Channel = *channel
		case "poll":
			cfg.Poll = *poll
		case "crystal":
			cfg.Crystal = uint32(*crystal)
		case "buffers":
			cfg.RxBuffers = *buffers
		}
	})

	bus, err := mcp2515.NewBusFromConfig(cfg)
	if err != nil {
		log.Fatalf("invalid configuration : %v", err)
	}
	err = bus.Begin(cfg.Poll)
	if err != nil {
		log.Fatalf("failed to start %v on %v : %v", cfg.Interface, cfg.Channel, err)
	}
	defer bus.Close()

	var recorder *record.Writer
	if *record_path != "" {
		file, err := os.OpenFile(*record_path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Fatalf("failed to open capture file : %v", err)
		}
		defer file.Close()
		recorder = record.NewWriter(file)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Infof("monitoring %v on %v", cfg.Interface, cfg.Channel)
	monitor(ctx, bus, recorder, *status_period)
	logStatus(bus)
	if recorder != nil {
		log.Infof("%v frames recorded to %v", recorder.Count(), *record_path)
	}
}

func monitor(ctx context.Context, bus *mcp2515.Bus, recorder *record.Writer, statusPeriod time.Duration) {
	ticker := time.NewTicker(POLL_PERIOD)
	defer ticker.Stop()
	var status <-chan time.Time
	if statusPeriod > 0 {
		statusTicker := time.NewTicker(statusPeriod)
		defer statusTicker.Stop()
		status = statusTicker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-status:
			logStatus(bus)
		case <-ticker.C:
			for bus.Available() {
				insertTime := bus.InsertTime()
				frame := bus.GetNextMessage()
				log.WithFields(log.Fields{
					"ext": frame.Ext,
					"rtr": frame.RTR,
					"age": fifo.Micros() - insertTime,
				}).Infof("x%08x [%v] % X", frame.ID, frame.Len, frame.Payload())
				if recorder == nil {
					continue
				}
				err := recorder.Write(fifo.Entry{Frame: frame, InsertTime: insertTime})
				if err != nil {
					log.Errorf("failed to record frame : %v", err)
				}
			}
		}
	}
}

func logStatus(bus *mcp2515.Bus) {
	status := bus.Status()
	log.WithFields(log.Fields{
		"received":  status.MessagesReceived,
		"sent":      status.MessagesSent,
		"rx_errors": status.RxErrors,
		"tx_errors": status.TxErrors,
		"flags":     status.ErrorFlags,
		"hwm":       status.Rx.HighWaterMark,
		"overflows": status.Rx.Overflows,
	}).Info("status")
}
