package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/finetune"
	"github.com/knights-analytics/finetune/config"
	"github.com/knights-analytics/finetune/util"
)

var modelPath string
var baseModel string
var inputPath string
var outputPath string
var taskName string
var seedText string
var maxTokens int
var batchSize int
var nEpochs int
var maxLength int
var learningRate float64
var destination string

func taskForName(name string) (finetune.Task, error) {
	switch name {
	case "classification":
		return finetune.Classification{}, nil
	case "regression":
		return finetune.Regression{}, nil
	case "lm":
		return finetune.LanguageModel{}, nil
	}
	return nil, fmt.Errorf("task %s not implemented", name)
}

var trainCommand = &cli.Command{
	Name:  "train",
	Usage: "Finetune a base model on labeled examples",
	Description: `Train expects a path to a file with input in .jsonl format. Each json line in the file must be of the format {"text": "input string", "label": "label string"} to be processed.
				`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "base",
			Usage:       "Path to the base model checkpoint, or a huggingface repository name",
			Aliases:     []string{"p"},
			Destination: &baseModel,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Path where to save the finetuned model",
			Aliases:     []string{"m"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Path to the training data",
			Aliases:     []string{"i"},
			Destination: &inputPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "task",
			Usage:       "Task type: classification, regression or lm",
			Aliases:     []string{"t"},
			Destination: &taskName,
			Value:       "classification",
		},
		&cli.IntFlag{
			Name:        "batchSize",
			Usage:       "Number of examples per training batch",
			Aliases:     []string{"b"},
			Destination: &batchSize,
			Value:       0,
		},
		&cli.IntFlag{
			Name:        "epochs",
			Usage:       "Number of passes over the training data",
			Aliases:     []string{"e"},
			Destination: &nEpochs,
			Value:       0,
		},
		&cli.IntFlag{
			Name:        "maxLength",
			Usage:       "Maximum sequence length in tokens",
			Aliases:     []string{"l"},
			Destination: &maxLength,
			Value:       0,
		},
		&cli.Float64Flag{
			Name:        "learningRate",
			Usage:       "Optimizer learning rate",
			Aliases:     []string{"r"},
			Destination: &learningRate,
			Value:       0,
		},
	},
	Action: func(ctx *cli.Context) (err error) {
		task, err := taskForName(taskName)
		if err != nil {
			return err
		}

		cfg := config.Defaults()
		exists, err := util.FileExists(baseModel)
		if err != nil {
			return err
		}
		if exists {
			cfg.BaseModelPath = baseModel
		} else {
			cfg.BaseModelRepo = baseModel
		}
		if batchSize > 0 {
			cfg.BatchSize = batchSize
		}
		if nEpochs > 0 {
			cfg.NEpochs = nEpochs
		}
		if maxLength > 0 {
			cfg.MaxLength = maxLength
		}
		if learningRate > 0 {
			cfg.LearningRate = learningRate
		}

		texts, labels, err := readExamples(inputPath)
		if err != nil {
			return err
		}
		if taskName == "lm" {
			labels = nil
		}

		model, err := finetune.New(cfg, task)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, model.Close())
		}()

		if err := model.Fit(texts, labels); err != nil {
			return err
		}
		return model.Save(modelPath)
	},
}

var predictCommand = &cli.Command{
	Name:  "predict",
	Usage: "Run a finetuned model on input data",
	Description: `Predict expects a path to a file with input in .jsonl format. Each json line in the file must be of the format {"input": "input string"} to be processed. If --input is omitted, the input will be read from stdin and the output sent to stdout.
				`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Path to the finetuned model",
			Aliases:     []string{"m"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "task",
			Usage:       "Task type: classification or regression",
			Aliases:     []string{"t"},
			Destination: &taskName,
			Value:       "classification",
		},
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Path to the input data",
			Aliases:     []string{"i"},
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path to output",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
		&cli.IntFlag{
			Name:        "batchSize",
			Usage:       "Number of inputs to process in a batch",
			Aliases:     []string{"b"},
			Destination: &batchSize,
			Value:       20,
		},
	},
	Action: func(ctx *cli.Context) (err error) {
		task, err := taskForName(taskName)
		if err != nil {
			return err
		}
		model, err := finetune.Load(modelPath, task)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, model.Close())
		}()

		inputChannel := make(chan []input, 1000)
		processedChannel := make(chan []byte, 1000)
		errorsChannel := make(chan error, 1000)
		var processedWg, writeWg sync.WaitGroup

		processedWg.Add(1)
		go predictWorker(&processedWg, inputChannel, processedChannel, errorsChannel, model)

		var writer io.WriteCloser
		if outputPath != "" {
			writer, err = util.NewFileWriter(outputPath)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, writer.Close())
			}()
		} else {
			writer = os.Stdout
		}
		writeWg.Add(1)
		go writeOutputs(&writeWg, processedChannel, errorsChannel, writer)

		if inputPath != "" {
			exists, existsErr := util.FileExists(inputPath)
			if existsErr != nil {
				return existsErr
			}
			if !exists {
				return fmt.Errorf("file %s does not exist", inputPath)
			}
			reader, openErr := util.OpenFile(inputPath)
			if openErr != nil {
				return openErr
			}
			readErr := readInputs(reader, inputChannel)
			err = errors.Join(readErr, reader.Close())
			if err != nil {
				return err
			}
		} else if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			// there is something to process on stdin
			if err := readInputs(os.Stdin, inputChannel); err != nil {
				return err
			}
		}

		close(inputChannel)
		processedWg.Wait()
		close(processedChannel)
		close(errorsChannel)
		writeWg.Wait()
		return err
	},
}

var generateCommand = &cli.Command{
	Name:  "generate",
	Usage: "Generate text from a finetuned language model",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Path to the finetuned model",
			Aliases:     []string{"m"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "seed",
			Usage:       "Seed text to continue",
			Aliases:     []string{"s"},
			Destination: &seedText,
		},
		&cli.IntFlag{
			Name:        "maxTokens",
			Usage:       "Maximum number of tokens to generate",
			Aliases:     []string{"n"},
			Destination: &maxTokens,
			Value:       0,
		},
	},
	Action: func(ctx *cli.Context) (err error) {
		model, err := finetune.Load(modelPath, finetune.LanguageModel{})
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, model.Close())
		}()

		text, err := model.GenerateText(seedText, maxTokens)
		if err != nil {
			return err
		}
		fmt.Println(text)
		return err
	},
}

var downloadCommand = &cli.Command{
	Name:  "download",
	Usage: "Download a base model checkpoint from huggingface",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Huggingface repository name",
			Aliases:     []string{"m"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "destination",
			Usage:       "Folder where to store the downloaded checkpoint",
			Aliases:     []string{"d"},
			Destination: &destination,
			Required:    true,
		},
	},
	Action: func(ctx *cli.Context) error {
		downloaded, err := finetune.DownloadBaseModel(modelPath, destination, finetune.NewDownloadOptions())
		if err != nil {
			return err
		}
		fmt.Println(downloaded)
		return nil
	},
}

func main() {
	app := &cli.App{
		Name:     "finetune",
		Usage:    "Finetune pretrained transformer language models from the command line",
		Commands: []*cli.Command{trainCommand, predictCommand, generateCommand, downloadCommand},
	}
	if err := app.Run(os.Args); err != nil {
		panic(err)
	}
}

func writeOutputs(wg *sync.WaitGroup, processedChannel chan []byte, errorChannel chan error, writeTarget io.WriteCloser) {
	for processedChannel != nil || errorChannel != nil {
		select {
		case output, ok := <-processedChannel:
			if !ok {
				processedChannel = nil
				continue
			}
			_, err := writeTarget.Write(output)
			if err != nil {
				panic(err)
			}
			_, err = writeTarget.Write([]byte("\n"))
			if err != nil {
				panic(err)
			}
		case err, ok := <-errorChannel:
			if !ok {
				errorChannel = nil
				continue
			}
			if err != nil {
				_, err = os.Stderr.WriteString(err.Error())
				if err != nil {
					panic(err)
				}
			}
		}
	}
	wg.Done()
}

func predictWorker(wg *sync.WaitGroup, inputChannel chan []input, processedChannel chan []byte, errorsChannel chan error, model *finetune.Model) {
	for inputBatch := range inputChannel {
		inputStrings := make([]string, len(inputBatch))
		for i := range len(inputBatch) {
			inputStrings[i] = inputBatch[i].Input
		}
		predictions, err := model.Predict(inputStrings)
		if err != nil {
			errorsChannel <- err
			continue
		}
		for i, prediction := range predictions {
			out := inputBatch[i]
			out.Output = prediction
			outputBytes, marshallErr := json.Marshal(out)
			if marshallErr != nil {
				errorsChannel <- marshallErr
			} else {
				processedChannel <- outputBytes
			}
		}
	}
	wg.Done()
}

func readInputs(inputSource io.Reader, inputChannel chan []input) error {
	inputBatch := make([]input, 0, 20)

	reader := bufio.NewReader(inputSource)
	for {
		lineBytes, err := util.ReadLine(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		if len(lineBytes) == 0 {
			continue
		}
		var line input
		if err := json.Unmarshal(lineBytes, &line); err != nil {
			return err
		}
		inputBatch = append(inputBatch, line)
		if len(inputBatch) == batchSize {
			inputChannel <- inputBatch
			inputBatch = []input{}
		}
	}
	// flush
	if len(inputBatch) > 0 {
		inputChannel <- inputBatch
	}
	return nil
}

func readExamples(path string) (texts, labels []string, err error) {
	reader, err := util.OpenFile(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		err = errors.Join(err, reader.Close())
	}()

	buffered := bufio.NewReader(reader)
	for {
		lineBytes, readErr := util.ReadLine(buffered)
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return nil, nil, readErr
		}
		if len(lineBytes) == 0 {
			continue
		}
		var line example
		if err := json.Unmarshal(lineBytes, &line); err != nil {
			return nil, nil, err
		}
		texts = append(texts, line.Text)
		labels = append(labels, line.Label)
	}
	return texts, labels, err
}

type input struct {
	Input  string `json:"input"`
	Output any    `json:"output"`
}

type example struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}
