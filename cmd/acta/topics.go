package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/LeventeLantos/acta/internal/config"
	"github.com/LeventeLantos/acta/internal/logger"
	"github.com/LeventeLantos/acta/internal/model"
	"github.com/LeventeLantos/acta/internal/repo"
)

const dateLayout = "2006-01-02"

// topicFile is the YAML layout instructors author. A top-level course applies
// to every entry that does not name its own.
type topicFile struct {
	Course string       `yaml:"course"`
	Topics []topicEntry `yaml:"topics"`
}

type topicEntry struct {
	Course       string          `yaml:"course"`
	StartDate    string          `yaml:"start_date"`
	EndDate      string          `yaml:"end_date"`
	Topic        string          `yaml:"topic"`
	Readings     []model.Reading `yaml:"readings"`
	SocraticSeed string          `yaml:"socratic_seed"`
}

func newTopicsCmd() *cobra.Command {
	topics := &cobra.Command{
		Use:   "topics",
		Short: "Manage weekly discussion topics",
	}
	topics.AddCommand(&cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Insert weekly topics from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE:  runTopicsImport,
	})
	return topics
}

func runTopicsImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	topics, err := parseTopics(f)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	dc, lc, err := config.LoadDatabase()
	if err != nil {
		return err
	}
	log, err := logger.New(lc)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, store, err := openStore(cmd.Context(), dc)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := importTopics(cmd.Context(), store, topics)
	log.Info("weekly topics imported", zap.Int("count", n), zap.String("file", args[0]))
	return err
}

func importTopics(ctx context.Context, store repo.TopicRepository, topics []model.WeeklyTopic) (int, error) {
	for i, t := range topics {
		if _, err := store.InsertWeeklyTopic(ctx, t); err != nil {
			return i, fmt.Errorf("topic %d (%s): %w", i+1, t.Topic, err)
		}
	}
	return len(topics), nil
}

func parseTopics(r io.Reader) ([]model.WeeklyTopic, error) {
	var tf topicFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil {
		return nil, fmt.Errorf("decode topics: %w", err)
	}
	if len(tf.Topics) == 0 {
		return nil, fmt.Errorf("no topics found")
	}

	out := make([]model.WeeklyTopic, 0, len(tf.Topics))
	for i, e := range tf.Topics {
		course := strings.TrimSpace(e.Course)
		if course == "" {
			course = strings.TrimSpace(tf.Course)
		}
		if course == "" {
			return nil, fmt.Errorf("topic %d: course is required", i+1)
		}
		if strings.TrimSpace(e.Topic) == "" {
			return nil, fmt.Errorf("topic %d: topic is required", i+1)
		}
		start, err := time.Parse(dateLayout, e.StartDate)
		if err != nil {
			return nil, fmt.Errorf("topic %d: start_date: %w", i+1, err)
		}
		end, err := time.Parse(dateLayout, e.EndDate)
		if err != nil {
			return nil, fmt.Errorf("topic %d: end_date: %w", i+1, err)
		}
		if end.Before(start) {
			return nil, fmt.Errorf("topic %d: end_date before start_date", i+1)
		}

		out = append(out, model.WeeklyTopic{
			Course:       course,
			StartDate:    start,
			EndDate:      end,
			Topic:        e.Topic,
			Readings:     e.Readings,
			SocraticSeed: e.SocraticSeed,
		})
	}
	return out, nil
}
