package pooled

import (
	"context"
	"time"
)

// Info is a point-in-time valuation of a pooled fund.
type Info struct {
	Address                   string            `json:"address" msgpack:"address"`
	Name                      string            `json:"name" msgpack:"name"`
	Symbol                    string            `json:"symbol" msgpack:"symbol"`
	Manager                   string            `json:"manager" msgpack:"manager"`
	Operator                  string            `json:"operator" msgpack:"operator"`
	IsPrivate                 bool              `json:"is_private" msgpack:"is_private"`
	StartTime                 uint64            `json:"start_time" msgpack:"start_time"`
	EndTime                   uint64            `json:"end_time" msgpack:"end_time"`
	TotalFundValue            string            `json:"total_fund_value" msgpack:"total_fund_value"`
	SharePrice                string            `json:"share_price" msgpack:"share_price"`
	TotalSupply               string            `json:"total_supply" msgpack:"total_supply"`
	HighWaterMark             string            `json:"high_water_mark" msgpack:"high_water_mark"`
	LatestManagementFeeMintAt uint64            `json:"latest_management_fee_mint_at" msgpack:"latest_management_fee_mint_at"`
	Holders                   map[string]string `json:"holders,omitempty" msgpack:"holders,omitempty"`
	ValuedAt                  time.Time         `json:"valued_at" msgpack:"valued_at"`
}

// Info values the fund through the price source and the venue, so it can
// fail when either is unavailable.
func (f *Fund) Info(ctx context.Context) (Info, error) {
	tfv, err := f.TotalFundValue(ctx)
	if err != nil {
		return Info{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	price, err := f.sharePriceLocked(tfv)
	if err != nil {
		return Info{}, err
	}
	info := Info{
		Address:                   f.address.Hex(),
		Name:                      f.cfg.Name,
		Symbol:                    f.cfg.Symbol,
		Manager:                   f.manager.Hex(),
		Operator:                  f.operator.Hex(),
		IsPrivate:                 f.cfg.IsPrivate,
		StartTime:                 f.startTime,
		EndTime:                   f.endTime,
		TotalFundValue:            tfv.Dec(),
		SharePrice:                price.Dec(),
		TotalSupply:               f.st.totalSupply.Dec(),
		HighWaterMark:             f.st.priceAtLastPerfMint.Dec(),
		LatestManagementFeeMintAt: f.st.latestManagementMint,
		ValuedAt:                  time.Now().UTC(),
	}
	if len(f.st.balances) > 0 {
		info.Holders = make(map[string]string, len(f.st.balances))
		for addr, bal := range f.st.balances {
			info.Holders[addr.Hex()] = bal.Dec()
		}
	}
	return info, nil
}
