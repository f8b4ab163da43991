package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/spiacq/pkg/acq"
	"github.com/norasector/spiacq/pkg/acq/config"
	"github.com/norasector/spiacq/pkg/acq/device"
	"github.com/norasector/spiacq/pkg/acq/device/cp2130"
	"github.com/norasector/spiacq/pkg/acq/device/file"
	"github.com/norasector/spiacq/pkg/acq/output"
	"github.com/norasector/spiacq/pkg/util"
	"github.com/norasector/spiacq/pkg/viz"
	"golang.org/x/sync/errgroup"
)

const rawFlushInterval = time.Second

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)
	configFile := flag.String("config", "spiacq.yaml", "YAML config file")
	list := flag.Bool("list", false, "list attached CP2130 devices and exit")

	flag.Parse()

	if *list {
		if err := listDevices(); err != nil {
			log.Fatal().Err(err).Msg("error listing devices")
		}
		return
	}

	opts, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("error loading config file")
	}
	log.Logger = log.Logger.Level(opts.Level())

	workerOpts, err := opts.WorkerOptions()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid acquisition options")
	}

	var transport device.Transport

	switch opts.Device {
	case config.DeviceFile:
		log.Info().Str("device", "file").Str("path", opts.PlaybackLocation).Msg("initializing device...")
		transport, err = file.NewFileTransport(opts.PlaybackLocation, opts.PlaybackReadSize, opts.PlaybackLoop)
		if err != nil {
			log.Fatal().Str("device", "file").Err(err).Msg("failed to init file reader")
		}
	default:
		log.Info().Str("device", "cp2130").Int("bus", opts.Bus).Int("address", opts.Address).Msg("initializing device...")
		usbTransport, err := cp2130.NewTransport(cp2130.Config{
			Channel:     opts.SPI.Channel,
			ClockHz:     opts.SPI.ClockHz,
			Mode:        opts.SPI.Mode,
			CSExclusive: opts.SPI.CSExclusive,
		})
		if err != nil {
			log.Fatal().Str("device", "cp2130").Err(err).Msg("failed to initialize USB")
		}
		defer usbTransport.Close()
		transport = usbTransport
	}

	var influxWriteAPI api.WriteAPI = &util.MockWriteAPI{}
	if opts.InfluxDB.Host != "" {
		client := influxdb2.NewClient(opts.InfluxDB.Host, "")
		defer client.Close()
		influxWriteAPI = client.WriteAPI(opts.InfluxDB.Organization, opts.InfluxDB.Bucket)
		go func() {
			for err := range influxWriteAPI.Errors() {
				log.Warn().Err(err).Msg("influxdb write failed")
			}
		}()
	}

	var outputs []acq.PacketOutput

	if len(opts.OutputDestinations) > 0 {
		outputs = append(outputs, output.NewPacketUDPOutput(opts.OutputDestinations, influxWriteAPI))
	}

	if opts.RecordLocation != "" {
		f, err := os.Create(opts.RecordLocation)
		if err != nil {
			log.Fatal().Err(err).Str("path", opts.RecordLocation).Msg("failed to create recording file")
		}
		defer f.Close()
		outputs = append(outputs, output.NewRawOutput(f, rawFlushInterval))
	}

	source := fmt.Sprintf("bus %d address %d", opts.Bus, opts.Address)
	if opts.Device == config.DeviceFile {
		source = opts.PlaybackLocation
	}

	if opts.SQLiteLocation != "" {
		var db *sql.DB
		db, err = output.OpenSQLite(context.Background(), opts.SQLiteLocation)
		if err != nil {
			log.Fatal().Err(err).Str("path", opts.SQLiteLocation).Msg("failed to open sqlite recording")
		}
		defer db.Close()
		outputs = append(outputs, output.NewSQLiteRecorder(db, source, opts.PacketSize, influxWriteAPI))
	}

	sessionOpts := []acq.SessionOption{
		acq.WithInfluxDB(influxWriteAPI),
		acq.WithOutputs(outputs...),
		acq.WithSource(source),
		acq.WithSessionLogger(log.Logger),
	}
	if opts.VizServer.Port > 0 {
		sessionOpts = append(sessionOpts, acq.WithImageServer(viz.NewServer(opts.VizServer.Port, opts.VizServer.UpdateInterval)))
	}

	session, err := acq.NewSession(transport, workerOpts, sessionOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session")
	}

	eg, ctx := errgroup.WithContext(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	eg.Go(func() error {

		select {
		case <-sigChan:
			log.Info().Msg("stopping")
		case <-ctx.Done():
		}

		return session.Stop()
	})

	eg.Go(func() error {
		err := session.Start(ctx)
		if err == nil {
			// unblock the signal goroutine
			return context.Canceled
		}
		return err
	})

	if err := eg.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("exited program")
		os.Exit(1)
	}
}

func listDevices() error {
	t, err := cp2130.NewTransport(cp2130.Config{ClockHz: 12000000})
	if err != nil {
		return err
	}
	defer t.Close()

	devices, err := t.List()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no CP2130 devices found")
		return nil
	}
	for _, d := range devices {
		fmt.Println(d)
	}
	return nil
}
