package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/KafClaw/KafPage/internal/config"
	"github.com/KafClaw/KafPage/internal/doctor"
	"github.com/KafClaw/KafPage/internal/intake"
	"github.com/KafClaw/KafPage/internal/notify"
	"github.com/KafClaw/KafPage/internal/store"
	"github.com/spf13/cobra"
)

var doctorTimeout time.Duration

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check connectivity to every configured dependency",
	RunE:  runDoctor,
}

func init() {
	doctorCmd.Flags().DurationVar(&doctorTimeout, "timeout", 5*time.Second, "Per-check timeout")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	report := diagnose(cmd.Context(), cfg, doctorTimeout)
	if jsonOutput {
		if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
	} else {
		report.Print(cmd.OutOrStdout())
	}
	if report.Failed {
		return fmt.Errorf("doctor: %d checks failed", report.Counts()[doctor.FAIL])
	}
	return nil
}

func diagnose(ctx context.Context, cfg *config.Config, timeout time.Duration) *doctor.Report {
	r := doctor.NewReport()
	defer r.Finish()

	st, err := store.Open(cfg.Paths.DBPath)
	if err != nil {
		r.Add(doctor.Row{Component: "sqlite", Target: cfg.Paths.DBPath, Status: doctor.FAIL, Detail: err.Error(),
			Hint: "Check paths.dbPath and directory permissions."})
	} else {
		r.Run(ctx, "sqlite", cfg.Paths.DBPath, timeout, "", doctor.SQLProbe(st.DB()))
		_ = st.Close()
	}

	if cfg.Store.Backend == config.BackendRedis {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		rdb, err := store.DialRedis(dialCtx, cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB)
		cancel()
		if err != nil {
			r.Add(doctor.Row{Component: "redis", Target: cfg.Store.RedisAddr, Status: doctor.FAIL, Detail: err.Error(),
				Hint: "Check store.redisAddr and credentials."})
		} else {
			r.Run(ctx, "redis", cfg.Store.RedisAddr, timeout, "", doctor.RedisProbe(rdb))
			_ = rdb.Close()
		}
	} else {
		r.Skip("redis", "-", "sqlite page backend")
	}

	if cfg.Intake.Enabled {
		r.Run(ctx, "kafka", cfg.Intake.Topic, timeout, "Create the intake topic or fix intake.brokers.",
			doctor.KafkaTopicProbe(cfg.Intake.Brokers, cfg.Intake.Topic))
	} else {
		r.Skip("kafka", cfg.Intake.Topic, "intake disabled")
	}
	if cfg.Events.Enabled {
		r.Run(ctx, "kafka", cfg.Events.Topic, timeout, "Create the events topic or fix events.brokers.",
			doctor.KafkaTopicProbe(cfg.Events.Brokers, cfg.Events.Topic))
	} else {
		r.Skip("kafka", cfg.Events.Topic, "events disabled")
	}

	switch cfg.Intake.BodySource {
	case config.SourceObject:
		o := cfg.Objects
		src, err := intake.NewObjectSource(intake.ObjectConfig{
			Endpoint: o.Endpoint, AccessKey: o.AccessKey, SecretKey: o.SecretKey,
			UseSSL: o.UseSSL, Bucket: o.Bucket, Prefix: o.Prefix,
		})
		if err != nil {
			r.Add(doctor.Row{Component: "objects", Target: o.Endpoint, Status: doctor.FAIL, Detail: err.Error()})
		} else {
			r.Run(ctx, "objects", o.Endpoint+"/"+o.Bucket, timeout, "Check objects.* credentials and bucket name.", src.Check)
		}
	case config.SourceDir:
		r.Run(ctx, "messages", cfg.Paths.MessageDir, timeout, "Create paths.messageDir.", doctor.DirProbe(cfg.Paths.MessageDir))
	default:
		r.Skip("objects", "-", "inline bodies")
	}

	r.Run(ctx, "smtp", cfg.Notify.SMTPAddr, timeout, "Check notify.smtpAddr and firewall rules.", doctor.TCPProbe(cfg.Notify.SMTPAddr))
	if cfg.Notify.SlackToken != "" {
		slack, err := notify.NewSlackTransport(cfg.Notify.SlackToken, cfg.Notify.SlackAPIBase, nil)
		if err != nil {
			r.Add(doctor.Row{Component: "slack", Target: "auth.test", Status: doctor.FAIL, Detail: err.Error()})
		} else {
			r.Run(ctx, "slack", "auth.test", timeout, "Check notify.slackToken scopes.", slack.Check)
		}
	} else {
		r.Skip("slack", "-", "no token")
	}
	return r
}
