package single

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// Info is a point-in-time view of a fund, suitable for persistence.
type Info struct {
	Address           string            `json:"address" msgpack:"address"`
	Manager           string            `json:"manager" msgpack:"manager"`
	Operator          string            `json:"operator" msgpack:"operator"`
	BaseToken         string            `json:"base_token" msgpack:"base_token"`
	Long              bool              `json:"long" msgpack:"long"`
	Leverage          uint64            `json:"leverage" msgpack:"leverage"`
	IsPrivate         bool              `json:"is_private" msgpack:"is_private"`
	Status            string            `json:"status" msgpack:"status"`
	StartTime         uint64            `json:"start_time" msgpack:"start_time"`
	EndTime           uint64            `json:"end_time" msgpack:"end_time"`
	TotalRaised       string            `json:"total_raised" msgpack:"total_raised"`
	ActualTotalRaised string            `json:"actual_total_raised" msgpack:"actual_total_raised"`
	FinalBalance      string            `json:"final_balance" msgpack:"final_balance"`
	ManagerFeePaid    string            `json:"manager_fee_paid" msgpack:"manager_fee_paid"`
	InfoHash          string            `json:"info_hash,omitempty" msgpack:"info_hash,omitempty"`
	Investors         map[string]string `json:"investors,omitempty" msgpack:"investors,omitempty"`
}

func (f *Fund) Info() Info {
	f.mu.RLock()
	defer f.mu.RUnlock()
	info := Info{
		Address:           f.address.Hex(),
		Manager:           f.manager.Hex(),
		Operator:          f.operator.Hex(),
		BaseToken:         f.trade.BaseToken.Hex(),
		Long:              f.trade.Long,
		Leverage:          f.trade.Leverage,
		IsPrivate:         f.isPrivate,
		Status:            f.st.status.String(),
		StartTime:         f.startTime,
		EndTime:           f.st.endTime,
		TotalRaised:       f.st.totalRaised.Dec(),
		ActualTotalRaised: f.st.actualTotalRaised.Dec(),
		FinalBalance:      f.st.finalBalance.Dec(),
		ManagerFeePaid:    f.st.managerFeePaid.Dec(),
	}
	if f.st.infoHash != (common.Hash{}) {
		info.InfoHash = f.st.infoHash.Hex()
	}
	if len(f.st.userAmount) > 0 {
		info.Investors = make(map[string]string, len(f.st.userAmount))
		for addr, amount := range f.st.userAmount {
			info.Investors[addr.Hex()] = amount.Dec()
		}
	}
	return info
}

func (i Info) String() string {
	return i.Address + " " + i.Status + " raised=" + i.ActualTotalRaised + " investors=" + strconv.Itoa(len(i.Investors))
}
