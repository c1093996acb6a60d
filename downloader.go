package finetune

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/phuslu/log"

	"github.com/knights-analytics/finetune/config"
	"github.com/knights-analytics/finetune/util"
)

const tokenizerFilename = "tokenizer.json"

// DownloadOptions is a struct of options that can be passed to DownloadBaseModel.
type DownloadOptions struct {
	AuthToken             string
	Branch                string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
}

// NewDownloadOptions creates new DownloadOptions struct with default values.
// Override the values to specify different download options.
func NewDownloadOptions() DownloadOptions {
	d := DownloadOptions{}
	d.Branch = "main"
	d.MaxRetries = 5
	d.RetryInterval = 5
	d.ConcurrentConnections = 5
	return d
}

// EnsureBaseModel makes the configured base checkpoint available locally,
// downloading it from the configured huggingface repository when the local
// path does not hold one yet. The resolved path is written back to the
// config.
func EnsureBaseModel(cfg *config.Config) error {
	if cfg.BaseModelPath != "" {
		exists, err := util.FileExists(util.PathJoinSafe(cfg.BaseModelPath, tokenizerFilename))
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
	}
	if cfg.BaseModelRepo == "" {
		return fmt.Errorf("finetune: no base model at %q and no repository configured", cfg.BaseModelPath)
	}

	destination := cfg.BaseModelPath
	if destination == "" {
		destination = filepath.Join(os.TempDir(), "finetune-models",
			strings.ReplaceAll(cfg.BaseModelRepo, "/", "_"))
	}
	modelPath, err := DownloadBaseModel(cfg.BaseModelRepo, destination, NewDownloadOptions())
	if err != nil {
		return err
	}
	cfg.BaseModelPath = modelPath
	return nil
}

// DownloadBaseModel downloads a base checkpoint from huggingface into the
// destination directory. The repository is validated first: it must hold a
// tokenizer.json and either a weights manifest or an exported onnx graph.
func DownloadBaseModel(modelName string, destination string, options DownloadOptions) (string, error) {
	repo := hub.New(modelName)
	if options.AuthToken != "" {
		repo = repo.WithAuth(options.AuthToken)
	}
	if options.ConcurrentConnections > 0 {
		repo.MaxParallelDownload = options.ConcurrentConnections
	}
	repo.Verbosity = 0
	repo.WithProgressBar(false)
	if options.Branch != "" {
		repo.WithRevision(options.Branch)
	}

	downloadFiles, err := validateBaseModelRepo(repo, options)
	if err != nil {
		return "", err
	}

	for i := 0; i < options.MaxRetries; i++ {
		downloadPaths, downloadErr := repo.DownloadFiles(downloadFiles...)
		if downloadErr != nil {
			log.Warn().
				Int("attempt", i+1).
				Int("maxRetries", options.MaxRetries).
				Err(downloadErr).
				Msg("base model download failed")
			time.Sleep(time.Duration(options.RetryInterval) * time.Second)
			continue
		}

		for j, downloadPath := range downloadPaths {
			truePath, symErr := filepath.EvalSymlinks(downloadPath)
			if symErr != nil {
				return "", symErr
			}
			copyErr := util.CopyFile(truePath, util.PathJoinSafe(destination, downloadFiles[j]))
			if copyErr != nil {
				return "", copyErr
			}
		}
		return destination, nil
	}
	return "", fmt.Errorf("finetune: failed to download %s after %d attempts", modelName, options.MaxRetries)
}

func validateBaseModelRepo(repo *hub.Repo, options DownloadOptions) ([]string, error) {
	for i := 0; i < options.MaxRetries; i++ {
		err := repo.DownloadInfo(false)
		if err == nil {
			break
		}
		log.Warn().
			Int("attempt", i+1).
			Int("maxRetries", options.MaxRetries).
			Err(err).
			Msg("listing base model repository failed")
		if i+1 == options.MaxRetries {
			return nil, err
		}
		time.Sleep(time.Duration(options.RetryInterval) * time.Second)
	}

	hasTokenizer := false
	hasWeights := false
	hasOnnx := false
	var toDownload []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, err
		}
		base := filepath.Base(fileName)
		switch {
		case base == tokenizerFilename:
			hasTokenizer = true
			toDownload = append(toDownload, fileName)
		case base == "weights.json":
			hasWeights = true
			toDownload = append(toDownload, fileName)
		case filepath.Ext(base) == ".npy":
			toDownload = append(toDownload, fileName)
		case filepath.Ext(base) == ".onnx":
			hasOnnx = true
			toDownload = append(toDownload, fileName)
		case base == "config.json" || base == "special_tokens_map.json" || base == "tokenizer_config.json":
			toDownload = append(toDownload, fileName)
		}
	}

	var errs []error
	if !hasTokenizer {
		errs = append(errs, fmt.Errorf("repository has no %s", tokenizerFilename))
	}
	if !hasWeights && !hasOnnx {
		errs = append(errs, errors.New("repository has neither a weights manifest nor an onnx graph"))
	}
	return toDownload, errors.Join(errs...)
}
