package app

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-revenue-analyzer/internal/classify"
	"crypto-revenue-analyzer/internal/config"
	"crypto-revenue-analyzer/internal/domain"
	"crypto-revenue-analyzer/internal/fetcher"
	"crypto-revenue-analyzer/internal/normalize"
	"crypto-revenue-analyzer/internal/pipeline"
)

// buildProtocols turns config rows into pipeline protocols, keeping only ids when given. Unknown ids fail;
// a row with an unreadable default category is skipped with a warning.
func buildProtocols(rows []config.ProtocolConfig, ids []string, logger zerolog.Logger) ([]pipeline.Protocol, error) {
	selected := rows
	if len(ids) > 0 {
		byID := make(map[string]config.ProtocolConfig, len(rows))
		for _, row := range rows {
			byID[strings.ToLower(row.ID)] = row
		}
		selected = selected[:0:0]
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			key := strings.ToLower(strings.TrimSpace(id))
			if key == "" || seen[key] {
				continue
			}
			row, ok := byID[key]
			if !ok {
				return nil, fmt.Errorf("unknown protocol %q", id)
			}
			seen[key] = true
			selected = append(selected, row)
		}
	}

	out := make([]pipeline.Protocol, 0, len(selected))
	for _, row := range selected {
		p, err := toProtocol(row)
		if err != nil {
			logger.Warn().Err(err).Str("protocol", row.ID).Msg("protocol skipped")
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no protocols configured")
	}
	return out, nil
}

func toProtocol(row config.ProtocolConfig) (pipeline.Protocol, error) {
	var defaultCategory domain.Category
	if row.DefaultCategory != "" {
		c, ok := domain.ParseCategory(row.DefaultCategory)
		if !ok {
			c, ok = domain.ParseCategory(strings.ToLower(row.DefaultCategory))
		}
		if !ok {
			return pipeline.Protocol{}, fmt.Errorf("unknown default_category %q", row.DefaultCategory)
		}
		defaultCategory = c
	}

	name := row.Name
	if name == "" {
		name = row.ID
	}

	chains := append([]string(nil), row.Chains...)
	known := make(map[string]bool, len(chains))
	for i, c := range chains {
		chains[i] = strings.ToLower(strings.TrimSpace(c))
		known[chains[i]] = true
	}

	bindings := make([]pipeline.SourceBinding, 0, len(row.Sources))
	for _, s := range row.Sources {
		bindings = append(bindings, pipeline.SourceBinding{
			Source:  s.Source,
			ChainID: s.Chain,
			Target: fetcher.Target{
				Slug:      s.Slug,
				DataTypes: s.DataTypes,
				Address:   s.Address,
				Token:     s.Token,
				Decimals:  s.Decimals,
				Symbol:    s.Symbol,
				QueryID:   s.QueryID,
				Columns:   s.Columns,
				Category:  s.Category,
				FeeType:   s.FeeType,
			},
		})
		if s.Chain != "" && !known[s.Chain] {
			known[s.Chain] = true
			chains = append(chains, s.Chain)
		}
	}

	var categoryMap map[string]domain.Quality
	if len(row.Revenue.CategoryMap) > 0 {
		categoryMap = make(map[string]domain.Quality, len(row.Revenue.CategoryMap))
		for feeType, q := range row.Revenue.CategoryMap {
			categoryMap[feeType] = domain.Quality(q)
		}
	}

	var share decimal.NullDecimal
	if row.Revenue.Share != nil {
		share = decimal.NewNullDecimal(decimal.NewFromFloat(*row.Revenue.Share))
	}

	return pipeline.Protocol{
		ID:          row.ID,
		Name:        name,
		Sector:      row.Sector,
		TokenType:   row.TokenType,
		CoinGeckoID: row.CoinGeckoID,
		Chains:      chains,
		Sources:     bindings,
		Normalize: normalize.Rule{
			DefaultCategory: defaultCategory,
			AssetAliases:    row.AssetAliases,
		},
		Revenue: classify.Rule{
			Kind:                 classify.Kind(strings.ToLower(strings.TrimSpace(row.Revenue.Kind))),
			Share:                share,
			FeeTypes:             row.Revenue.FeeTypes,
			IncentivizedFeeTypes: row.Revenue.IncentivizedFeeTypes,
			CategoryMap:          categoryMap,
		},
	}, nil
}
