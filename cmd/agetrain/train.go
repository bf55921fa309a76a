package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"syscall"

	"github.com/agegender/agetrain/internal/config"
	"github.com/agegender/agetrain/internal/trainer"
	"github.com/sevlyar/go-daemon"
	log "github.com/sirupsen/logrus"
)

type trainFlags struct {
	config  string
	section string
	debug   bool
	logJSON bool
	detach  bool
}

func parseTrainFlags(args []string, stderr io.Writer) (trainFlags, error) {
	var f trainFlags
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.config, "config", "config.yaml", "Path of the YAML run configuration")
	fs.StringVar(&f.section, "section", config.DefaultSection, "Top-level key holding the configuration")
	fs.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&f.logJSON, "log-json", false, "Log in JSON")
	fs.BoolVar(&f.detach, "detach", false, "Run the training in the background")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	return f, nil
}

func setupLogging(f trainFlags) {
	if f.logJSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	if f.debug {
		log.SetLevel(log.DebugLevel)
	}
}

func train(args []string, stderr io.Writer) int {
	f, err := parseTrainFlags(args, stderr)
	if err != nil {
		return 2
	}
	setupLogging(f)

	cfg, err := config.Load(f.config, f.section)
	if err != nil {
		log.WithError(err).Error("cannot load configuration")
		return 1
	}

	if f.detach {
		workDir := cfg.WorkingDir
		if workDir == "" {
			workDir = "./"
		}
		dctx := &daemon.Context{
			PidFileName: "agetrain.pid",
			PidFilePerm: 0o644,
			LogFileName: "agetrain.log",
			LogFilePerm: 0o640,
			WorkDir:     workDir,
			Umask:       0o27,
			Args:        os.Args,
		}
		child, err := dctx.Reborn()
		if err != nil {
			log.WithError(err).Error("unable to detach")
			return 1
		}
		if child != nil {
			log.WithField("pid", child.Pid).Info("training detached")
			return 0
		}
		defer func() { _ = dctx.Release() }()
		log.Info("daemon started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})

	stop := func(sig os.Signal) error {
		log.WithField("signal", sig).Warn("stopping after the current step")
		cancel()
		<-done
		return daemon.ErrStop
	}
	daemon.SetSigHandler(stop, syscall.SIGINT)
	daemon.SetSigHandler(stop, syscall.SIGTERM)
	daemon.SetSigHandler(stop, syscall.SIGQUIT)
	go func() {
		if err := daemon.ServeSignals(); err != nil {
			log.WithError(err).Error("signal handling failed")
		}
	}()

	code := runTraining(ctx, cfg)
	close(done)
	return code
}

func runTraining(ctx context.Context, cfg config.RunConfig) int {
	logger := log.NewEntry(log.StandardLogger())
	deps, err := trainer.Bootstrap(cfg, trainer.Options{Logger: logger})
	if err != nil {
		return fail(err)
	}
	summary, err := trainer.Run(ctx, cfg, deps)
	if cerr := deps.Close(); cerr != nil {
		log.WithError(cerr).Warn("closing run resources")
	}
	if err != nil {
		return fail(err)
	}
	log.WithFields(log.Fields{
		"folder":      summary.Folder,
		"steps":       summary.Steps,
		"final_step":  summary.FinalStep,
		"validations": summary.Validations,
		"checkpoints": len(summary.Checkpoints),
	}).Info("run complete")
	return 0
}

func fail(err error) int {
	entry := log.WithError(err)
	var pe *trainer.PhaseError
	if errors.As(err, &pe) {
		entry = entry.WithFields(log.Fields{"phase": pe.Phase, "step": pe.Step})
	}
	if errors.Is(err, trainer.ErrInterrupted) {
		entry.Warn("training interrupted")
		return 1
	}
	entry.Error("training failed")
	return 1
}
