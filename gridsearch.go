package finetune

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/phuslu/log"

	"github.com/knights-analytics/finetune/config"
	"github.com/knights-analytics/finetune/input"
	"github.com/knights-analytics/finetune/util"
)

// EvalFn scores predicted against actual labels. Higher is better.
type EvalFn func(predicted, actual []string) float64

// ProbsEvalFn scores predicted class probabilities against actual labels.
// Higher is better.
type ProbsEvalFn func(predicted []map[string]float32, actual []string) float64

// GridSearchResult is the score of one hyperparameter combination. Key
// identifies the combination stably across splits.
type GridSearchResult struct {
	Key    string
	Config *config.Config
	Score  float64
}

// GridSearchOptions control grid search behavior. The grid itself lives on
// the config.
type GridSearchOptions struct {
	// TestSize is the held-out fraction scored per trial. Defaults to 0.05.
	TestSize float64
	// NSplits is the number of re-splits for cross validation. Defaults
	// to 5.
	NSplits int
	// Eval defaults to the task's scoring function.
	Eval EvalFn
	// Probs scores trials on class probabilities instead of predictions;
	// ProbsEval must be set with it.
	Probs     bool
	ProbsEval ProbsEvalFn
	// ReturnAll returns every combination's result instead of the best one.
	ReturnAll bool
	// ModelOptions are forwarded to every trial model.
	ModelOptions []Option
}

// FinetuneGridSearch trains one model per combination of the config's grid
// parameters on a seeded train split and scores it on the held-out split.
// Results come back best first; without ReturnAll only the best is returned.
func FinetuneGridSearch(task Task, base *config.Config, texts, labels []string, opts GridSearchOptions) ([]GridSearchResult, error) {
	return FinetuneGridSearchInputs(task, base, wrapTexts(texts), labels, opts)
}

// FinetuneGridSearchInputs is FinetuneGridSearch over multi-field examples:
// each entry of xs holds one value per input field, preserved through the
// split.
func FinetuneGridSearchInputs(task Task, base *config.Config, xs [][]string, labels []string, opts GridSearchOptions) ([]GridSearchResult, error) {
	if base == nil {
		base = config.Defaults()
	}
	if len(xs) != len(labels) {
		return nil, fmt.Errorf("finetune: %d examples with %d labels", len(xs), len(labels))
	}
	eval := opts.Eval
	if eval == nil {
		eval = task.Eval()
	}
	var probsEval ProbsEvalFn
	if opts.Probs {
		if opts.ProbsEval == nil {
			return nil, errors.New("finetune: scoring on probabilities requires a probability evaluation function")
		}
		probsEval = opts.ProbsEval
	} else if eval == nil {
		return nil, errors.New("finetune: no evaluation function for this task")
	}

	testSize := opts.TestSize
	if testSize <= 0 {
		testSize = 0.05
	}
	n := len(xs)
	testN := int(testSize * float64(n))
	if testN < 1 {
		testN = 1
	}
	if testN >= n {
		return nil, fmt.Errorf("finetune: %d examples cannot fill a test fraction of %.2f", n, testSize)
	}

	perm := rand.New(rand.NewSource(base.Seed)).Perm(n)
	trainXs, trainLabels := pick(xs, labels, perm[testN:])
	testXs, testLabels := pick(xs, labels, perm[:testN])

	keys, values := base.GridSearchable()
	var results []GridSearchResult
	for _, combo := range enumerate(values) {
		trial := base.Clone()
		noVal := 0
		never := config.ValNever
		trial.ValSize = &noVal
		trial.ValInterval = &never

		var keyParts []string
		for i, k := range keys {
			if err := trial.Set(k, combo[i]); err != nil {
				return nil, err
			}
			keyParts = append(keyParts, fmt.Sprintf("%s=%v", k, combo[i]))
		}
		key := strings.Join(keyParts, ";")
		log.Info().Str("combination", key).Msg("grid search trial")

		score, err := scoreTrial(task, trial, trainXs, trainLabels, testXs, testLabels, eval, probsEval, opts.ModelOptions)
		if err != nil {
			return nil, fmt.Errorf("finetune: grid trial %q: %w", key, err)
		}
		results = append(results, GridSearchResult{Key: key, Config: trial, Score: score})
	}

	if len(results) == 0 {
		return nil, errors.New("finetune: the grid has a parameter with no candidate values")
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if !opts.ReturnAll {
		results = results[:1]
	}
	return results, nil
}

// FinetuneGridSearchCV repeats the grid search over NSplits fresh seeded
// splits and averages the scores per combination.
func FinetuneGridSearchCV(task Task, base *config.Config, texts, labels []string, opts GridSearchOptions) ([]GridSearchResult, error) {
	return FinetuneGridSearchCVInputs(task, base, wrapTexts(texts), labels, opts)
}

// FinetuneGridSearchCVInputs is FinetuneGridSearchCV over multi-field
// examples.
func FinetuneGridSearchCVInputs(task Task, base *config.Config, xs [][]string, labels []string, opts GridSearchOptions) ([]GridSearchResult, error) {
	if base == nil {
		base = config.Defaults()
	}
	nSplits := opts.NSplits
	if nSplits < 1 {
		nSplits = 5
	}

	splitOpts := opts
	splitOpts.ReturnAll = true

	scores := map[string][]float64{}
	configs := map[string]*config.Config{}
	var order []string
	for split := 0; split < nSplits; split++ {
		cfg := base.Clone()
		cfg.Seed = base.Seed + int64(split)
		results, err := FinetuneGridSearchInputs(task, cfg, xs, labels, splitOpts)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if _, seen := scores[r.Key]; !seen {
				order = append(order, r.Key)
				configs[r.Key] = r.Config
			}
			scores[r.Key] = append(scores[r.Key], r.Score)
		}
	}

	results := make([]GridSearchResult, 0, len(order))
	for _, key := range order {
		if len(scores[key]) != nSplits {
			return nil, fmt.Errorf("finetune: combination %q scored in %d of %d splits", key, len(scores[key]), nSplits)
		}
		results = append(results, GridSearchResult{Key: key, Config: configs[key], Score: util.Mean(scores[key])})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if !opts.ReturnAll {
		results = results[:1]
	}
	return results, nil
}

func scoreTrial(task Task, cfg *config.Config, trainXs [][]string, trainLabels []string, testXs [][]string, testLabels []string, eval EvalFn, probsEval ProbsEvalFn, modelOpts []Option) (float64, error) {
	m, err := New(cfg, task, modelOpts...)
	if err != nil {
		return 0, err
	}
	defer func() { _ = m.Close() }()

	ySrc := input.FromSlice(trainLabels)
	if err := m.Finetune(input.FromSlice(trainXs), &ySrc); err != nil {
		return 0, err
	}
	if probsEval != nil {
		probas, err := m.PredictProbaInputs(testXs)
		if err != nil {
			return 0, err
		}
		return probsEval(probas, testLabels), nil
	}
	preds, err := m.PredictInputs(testXs)
	if err != nil {
		return 0, err
	}
	return eval(preds, testLabels), nil
}

func pick(xs [][]string, labels []string, idx []int) ([][]string, []string) {
	outX := make([][]string, len(idx))
	outL := make([]string, len(idx))
	for i, j := range idx {
		outX[i] = xs[j]
		outL[i] = labels[j]
	}
	return outX, outL
}

// enumerate walks the Cartesian product of the candidate value lists in
// odometer order, so the combination order is stable for stable inputs.
func enumerate(values [][]any) [][]any {
	if len(values) == 0 {
		return [][]any{{}}
	}
	for _, v := range values {
		if len(v) == 0 {
			return nil
		}
	}
	counts := make([]int, len(values))
	var combos [][]any
	for {
		combo := make([]any, len(values))
		for i, c := range counts {
			combo[i] = values[i][c]
		}
		combos = append(combos, combo)

		i := len(counts) - 1
		for ; i >= 0; i-- {
			counts[i]++
			if counts[i] < len(values[i]) {
				break
			}
			counts[i] = 0
		}
		if i < 0 {
			return combos
		}
	}
}
