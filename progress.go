package movie_archiver

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ProgressBar renders download progress on stderr. The bar is a spinner until the expected size is known. Call the
// returned function once the download is over.
func ProgressBar(description string) (ProgressFunc, func()) {
	return progressBar(os.Stderr, description, zap.L())
}

// progressBar is ProgressBar writing to w. A failed render never interrupts the download, and only the first failure
// is logged.
func progressBar(w io.Writer, description string, logger *zap.Logger) (ProgressFunc, func()) {
	bar := progressbar.NewOptions64(
		-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(10),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { _, _ = fmt.Fprint(w, "\n") }),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
	log := logger.Sugar()
	failed := false
	progress := func(downloaded int64, expected int64) {
		if expected <= 0 {
			expected = -1
		}
		if bar.GetMax64() != expected {
			bar.ChangeMax64(expected)
		}
		if err := bar.Set64(downloaded); err != nil && !failed {
			failed = true
			log.Warnf("progress bar for %v stopped rendering: %v", description, err)
		}
	}
	return progress, func() { _ = bar.Finish() }
}

// LogProgress writes download progress to the logger at most once per interval.
func LogProgress(logger *zap.Logger, description string, interval time.Duration) ProgressFunc {
	log := logger.Sugar()
	sometimes := rate.Sometimes{Interval: interval}
	return func(downloaded int64, expected int64) {
		sometimes.Do(func() {
			if expected > 0 {
				log.Debugf("%v: %d/%d bytes (%.1f%%)", description, downloaded, expected, 100*float64(downloaded)/float64(expected))
			} else {
				log.Debugf("%v: %d bytes", description, downloaded)
			}
		})
	}
}

// MultiProgress reports progress to every non-nil callback.
func MultiProgress(callbacks ...ProgressFunc) ProgressFunc {
	return func(downloaded int64, expected int64) {
		for _, f := range callbacks {
			if f != nil {
				f(downloaded, expected)
			}
		}
	}
}
