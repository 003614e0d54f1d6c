package stats

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"constph/internal/config"
	"constph/internal/drive"
	"constph/internal/model"
)

const (
	runIndexFile           = "run_index.json"
	configFile             = "config.json"
	summaryFile            = "summary.json"
	titrationHistoryFile   = "titration_history.csv"
	calibrationHistoryFile = "calibration_history.csv"
)

var (
	titrationHeader   = []string{"attempt", "accepted", "work", "log_p", "moves", "states"}
	calibrationHeader = []string{"adaptation", "stage", "transitioned", "gain", "flatness", "landed", "weights"}
)

// Summary is the end-of-run view written to summary.json.
type Summary struct {
	RunID          string                   `json:"run_id"`
	TemperatureK   float64                  `json:"temperature_k"`
	PH             *float64                 `json:"ph,omitempty"`
	Cycles         int                      `json:"cycles"`
	Statistics     model.AttemptStatistics  `json:"statistics"`
	AcceptanceRate float64                  `json:"acceptance_rate"`
	FinalStates    []int                    `json:"final_states"`
	Visits         [][]int                  `json:"visits"`
	Stage          model.Stage              `json:"stage,omitempty"`
	Adaptation     int                      `json:"adaptation,omitempty"`
	Weights        []float64                `json:"weights,omitempty"`
	Calibrated     []drive.CalibratedWeight `json:"calibrated,omitempty"`
	LastCheckpoint string                   `json:"last_checkpoint,omitempty"`
	UpdatedAtUTC   string                   `json:"updated_at_utc"`
}

// RunArtifacts is one batch of run output. Histories are appended so a resumed run
// extends the files of the original run.
type RunArtifacts struct {
	Config       config.Run
	Summary      Summary
	Attempts     []drive.AttemptEvent
	Calibrations []drive.CalibrationEvent
}

type RunIndexEntry struct {
	RunID          string      `json:"run_id"`
	Groups         int         `json:"groups"`
	Seed           int64       `json:"seed"`
	Attempted      int64       `json:"attempted"`
	Accepted       int64       `json:"accepted"`
	AcceptanceRate float64     `json:"acceptance_rate"`
	Stage          model.Stage `json:"stage,omitempty"`
	CreatedAtUTC   string      `json:"created_at_utc"`
}

// TitrationRow is one parsed line of titration_history.csv.
type TitrationRow struct {
	Attempt  int64
	Accepted bool
	Work     float64
	LogP     float64
	Moves    string
	States   []int
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	runID := artifacts.Summary.RunID
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}
	if artifacts.Config.RunID != "" && artifacts.Config.RunID != runID {
		return "", fmt.Errorf("run config run id mismatch: got=%s want=%s", artifacts.Config.RunID, runID)
	}

	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}
	if _, err := os.Stat(filepath.Join(runDir, configFile)); errors.Is(err, os.ErrNotExist) {
		cfg := artifacts.Config
		cfg.RunID = runID
		if err := writeJSON(filepath.Join(runDir, configFile), cfg); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, summaryFile), artifacts.Summary); err != nil {
		return "", err
	}

	titration := make([][]string, len(artifacts.Attempts))
	for i, e := range artifacts.Attempts {
		titration[i] = []string{
			strconv.FormatInt(e.Attempt, 10),
			strconv.FormatBool(e.Accepted),
			formatFloat(e.Work),
			formatFloat(e.LogP),
			formatMoves(e),
			joinInts(e.States),
		}
	}
	if err := appendCSV(filepath.Join(runDir, titrationHistoryFile), titrationHeader, titration); err != nil {
		return "", err
	}

	if len(artifacts.Calibrations) > 0 {
		calibration := make([][]string, len(artifacts.Calibrations))
		for i, e := range artifacts.Calibrations {
			weights := make([]string, len(e.Weights))
			for j, w := range e.Weights {
				weights[j] = formatFloat(w)
			}
			calibration[i] = []string{
				strconv.Itoa(e.Adaptation),
				string(e.Stage),
				strconv.FormatBool(e.Transitioned),
				formatFloat(e.Gain),
				formatFloat(e.Flatness),
				strconv.Itoa(e.Landed),
				strings.Join(weights, " "),
			}
		}
		if err := appendCSV(filepath.Join(runDir, calibrationHistoryFile), calibrationHeader, calibration); err != nil {
			return "", err
		}
	}
	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return errors.New("index entry without run id")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(baseDir, runIndexFile)
	var stored []RunIndexEntry
	if _, err := readJSON(path, &stored); err != nil {
		return err
	}
	replaced := false
	for i, existing := range stored {
		if existing.RunID != entry.RunID {
			continue
		}
		stored[i] = entry
		replaced = true
		break
	}
	if !replaced {
		stored = append(stored, entry)
	}
	return writeJSON(path, stored)
}

// ListRunIndex returns the index newest first. Runs created in the same instant
// keep reverse insertion order.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	var stored []RunIndexEntry
	if _, err := readJSON(filepath.Join(baseDir, runIndexFile), &stored); err != nil {
		return nil, err
	}
	listed := make([]RunIndexEntry, len(stored))
	for i, entry := range stored {
		listed[len(stored)-1-i] = entry
	}
	sort.SliceStable(listed, func(i, j int) bool {
		return listed[i].CreatedAtUTC > listed[j].CreatedAtUTC
	})
	return listed, nil
}

// ExportRunArtifacts copies a run's files into outDir/<runID>. The calibration
// history is copied only when the run calibrated.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", errors.New("export without run id")
	}
	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("run %s: %w", runID, err)
	}
	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}
	files := map[string]bool{
		configFile:             true,
		summaryFile:            true,
		titrationHistoryFile:   true,
		calibrationHistoryFile: false,
	}
	for name, required := range files {
		err := copyFile(filepath.Join(src, name), filepath.Join(dst, name))
		if err != nil && (required || !errors.Is(err, os.ErrNotExist)) {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (config.Run, bool, error) {
	var cfg config.Run
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func ReadSummary(baseDir, runID string) (Summary, bool, error) {
	var summary Summary
	ok, err := readJSON(filepath.Join(baseDir, runID, summaryFile), &summary)
	return summary, ok, err
}

func ReadTitrationHistory(baseDir, runID string) ([]TitrationRow, bool, error) {
	path := filepath.Join(baseDir, runID, titrationHistoryFile)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []TitrationRow{}, true, nil
		}
		return nil, false, err
	}
	if len(header) != len(titrationHeader) {
		return nil, false, fmt.Errorf("titration history header must have %d columns", len(titrationHeader))
	}

	rows := make([]TitrationRow, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		row, err := parseTitrationRow(record)
		if err != nil {
			return nil, false, err
		}
		rows = append(rows, row)
	}
	return rows, true, nil
}

func parseTitrationRow(record []string) (TitrationRow, error) {
	var (
		row TitrationRow
		err error
	)
	if row.Attempt, err = strconv.ParseInt(record[0], 10, 64); err != nil {
		return row, err
	}
	if row.Accepted, err = strconv.ParseBool(record[1]); err != nil {
		return row, err
	}
	if row.Work, err = strconv.ParseFloat(record[2], 64); err != nil {
		return row, err
	}
	if row.LogP, err = strconv.ParseFloat(record[3], 64); err != nil {
		return row, err
	}
	row.Moves = record[4]
	for _, field := range strings.Fields(record[5]) {
		s, err := strconv.Atoi(field)
		if err != nil {
			return row, err
		}
		row.States = append(row.States, s)
	}
	return row, nil
}

// formatMoves renders moves as "group:from>to" separated by semicolons.
func formatMoves(e drive.AttemptEvent) string {
	parts := make([]string, len(e.Moves))
	for i, m := range e.Moves {
		parts[i] = fmt.Sprintf("%d:%d>%d", m.Group, m.From, m.To)
	}
	return strings.Join(parts, ";")
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, " ")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func appendCSV(path string, header []string, rows [][]string) error {
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)
	if statErr != nil && !fresh {
		return statErr
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if fresh {
		if err := writer.Write(header); err != nil {
			return err
		}
	}
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return file.Sync()
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
