package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"crypto-revenue-analyzer/internal/app"
	"crypto-revenue-analyzer/internal/domain"
)

// scopeFlags are shared by run and collect.
type scopeFlags struct {
	protocols []string
	start     string
	end       string
	periods   []string
}

func (f *scopeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.protocols, "protocols", nil, "Protocol ids to include (default: all configured)")
	cmd.Flags().StringVar(&f.start, "start", "", "First day of the window (YYYY-MM-DD, inclusive)")
	cmd.Flags().StringVar(&f.end, "end", "", "Last day of the window (YYYY-MM-DD, inclusive, default yesterday)")
	cmd.Flags().StringSliceVar(&f.periods, "periods", nil, "Period kinds to aggregate: day,month,quarter,year")
}

func (f *scopeFlags) scope() (app.RunScope, error) {
	scope := app.RunScope{Protocols: f.protocols, Periods: f.periods}

	var err error
	if f.start != "" {
		if scope.Start, err = time.Parse(domain.DayLayout, f.start); err != nil {
			return scope, fmt.Errorf("invalid --start value: %w", err)
		}
	}
	if f.end != "" {
		if scope.End, err = time.Parse(domain.DayLayout, f.end); err != nil {
			return scope, fmt.Errorf("invalid --end value: %w", err)
		}
	}
	if !scope.Start.IsZero() && !scope.End.IsZero() && scope.End.Before(scope.Start) {
		return scope, fmt.Errorf("--start must not be after --end")
	}
	return scope, nil
}
