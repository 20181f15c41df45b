package bertgo

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// CLI global variables
var (
	configPath string
	dataPath   string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bertgo",
	Short: "Fine-tune a BERT encoder for text classification",
	Long: `
		bertgo fine-tunes a pretrained BERT encoder (klue/bert-base by default) with a small
		feed-forward head for binary text classification, entirely in Go.
	`,
	SilenceUsage: true,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Download the pretrained encoder",
	Long:  `This command downloads vocab.txt, config.json and model.safetensors of the configured HuggingFace repository into the cache directory`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		d := &Downloader{Progress: cmd.ErrOrStderr(), Log: log}
		if err := d.FetchPretrained(cmd.Context(), cfg.Model.Repo, cfg.Model.Dir); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is ready in %s\n", cfg.Model.Repo, cfg.Model.Dir)
		return nil
	},
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Fine-tune on a TSV dataset",
	Long:  `This command reads a tab separated dataset with a header row, tokenizes it with dynamic padding and trains the classifier, printing the running average loss every few steps`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		if dataPath != "" {
			cfg.Data.Path = dataPath
		}
		if cfg.Data.Path == "" {
			return fmt.Errorf("no dataset given, use --data or data.path")
		}
		ds, err := LoadDataset(cfg)
		if err != nil {
			return err
		}
		log.Info().Str("path", cfg.Data.Path).Int("examples", ds.Len()).Msg("loaded dataset")
		pipeline, err := NewPipeline(cfg, ds, cmd.OutOrStdout(), log)
		if err != nil {
			return err
		}
		_, err = pipeline.Run(cmd.Context(), cfg.Train.Epochs)
		return err
	},
}

var convertCmd = &cobra.Command{
	Use:   "convert <model.safetensors> <out.bin>",
	Short: "Convert HuggingFace weights to a bertgo checkpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		bertCfg := DefaultBERTConfig()
		if path := existingFile(cfg.Model.ConfigFile); path != "" {
			if bertCfg, err = LoadBERTConfig(path); err != nil {
				return err
			}
		}
		model, err := LoadBERTModel(args[0], bertCfg, NewRand(cfg.Train.Seed))
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(args[1]), os.ModePerm); err != nil {
			return err
		}
		f, err := os.Create(args[1])
		if err != nil {
			return err
		}
		if err := model.Save(f); err != nil {
			f.Close()
			return err
		}
		log.Info().Str("from", args[0]).Str("to", args[1]).Int("num_parameters", model.Params.Len()).Msg("converted")
		return f.Close()
	},
}

func setup() (*Config, zerolog.Logger, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	log, err := NewLogger(cfg.Log.Level)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}

func InitializeCommand() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	trainCmd.Flags().StringVarP(&dataPath, "data", "d", "", "TSV dataset with a header row")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(convertCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
