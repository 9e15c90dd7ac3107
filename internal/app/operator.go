package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"defarm/internal/alerts"
	"defarm/internal/fee"
	"defarm/internal/ledger"
	"defarm/internal/registry"
	"defarm/internal/state"
	"defarm/internal/venue"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

// commandChannel is the chat transport the operator reads commands from and
// replies on.
type commandChannel interface {
	GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]alerts.Update, error)
	Send(ctx context.Context, message string) error
}

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID int64     `json:"update_id"`
	Time     time.Time `json:"time"`
	Action   string    `json:"action"`
	Command  string    `json:"command"`
	UserID   int64     `json:"user_id"`
	Username string    `json:"username,omitempty"`
	ChatID   int64     `json:"chat_id"`
	Farm     string    `json:"farm,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Operator turns chat commands from an allowlisted admin chat into ledger
// calls sent as the registry admin.
type Operator struct {
	registry *registry.Registry
	venue    *venue.Simulator
	keeper   *Keeper
	store    state.Store
	channel  commandChannel
	log      *zap.Logger
	now      func() time.Time

	chatID  int64
	allowed map[int64]struct{}
	poll    time.Duration
	warned  bool
}

func NewOperator(reg *registry.Registry, sim *venue.Simulator, k *Keeper, store state.Store, ch commandChannel, chatID int64, allowedUsers []int64, poll time.Duration, log *zap.Logger) *Operator {
	if log == nil {
		log = zap.NewNop()
	}
	if poll <= 0 {
		poll = 3 * time.Second
	}
	allowed := make(map[int64]struct{}, len(allowedUsers))
	for _, id := range allowedUsers {
		allowed[id] = struct{}{}
	}
	return &Operator{
		registry: reg,
		venue:    sim,
		keeper:   k,
		store:    store,
		channel:  ch,
		log:      log,
		now:      time.Now,
		chatID:   chatID,
		allowed:  allowed,
		poll:     poll,
	}
}

// Run polls for commands until ctx is done. Transport errors are retried
// after the poll interval.
func (o *Operator) Run(ctx context.Context) error {
	offset := o.loadOffset(ctx)
	o.log.Info("telegram operator started", zap.Int64("chat_id", o.chatID), zap.Int("allowed_users", len(o.allowed)))
	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, err := o.channel.GetUpdates(ctx, offset, o.poll)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			o.logError(err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(o.poll):
			}
			continue
		}
		if o.warned {
			o.log.Info("telegram operator recovered")
			o.warned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				o.saveOffset(ctx, offset)
			}
			o.handleUpdate(ctx, upd)
		}
	}
}

func (o *Operator) handleUpdate(ctx context.Context, upd alerts.Update) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != o.chatID {
		return
	}
	if len(o.allowed) > 0 {
		if _, ok := o.allowed[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := o.handleCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := o.channel.Send(ctx, resp); err != nil {
		o.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// group chats address bots as /cmd@botname
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return cmd, fields[1:], true
}

func (o *Operator) handleCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		if len(args) == 0 {
			return o.overview(), nil
		}
		addr, err := farmArg(args)
		if err != nil {
			return "", err
		}
		return o.farmStatus(ctx, addr)
	case "accrue":
		if o.keeper == nil {
			return "", errors.New("keeper unavailable")
		}
		o.keeper.Tick(ctx)
		o.audit(ctx, meta, "accrue", common.Address{}, nil)
		return fmt.Sprintf("keeper tick ran over %d pooled farms", len(o.registry.PooledFarms())), nil
	case "liquidate":
		return o.singleAction(ctx, args, meta, "liquidate")
	case "cancel":
		return o.singleAction(ctx, args, meta, "cancel")
	case "mark":
		return o.mark(ctx, args, meta)
	default:
		return operatorHelpText(), nil
	}
}

func (o *Operator) singleAction(ctx context.Context, args []string, meta operatorMeta, action string) (string, error) {
	addr, err := farmArg(args)
	if err != nil {
		return "", err
	}
	fund, ok := o.registry.SingleFarm(addr)
	if !ok {
		return "", fmt.Errorf("%s is not a single farm", addr.Hex())
	}
	call := o.adminCall()
	switch action {
	case "liquidate":
		err = fund.Liquidate(ctx, call)
	case "cancel":
		err = fund.CancelByAdmin(ctx, call)
	}
	o.audit(ctx, meta, action, addr, err)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s: %s", addr.Hex(), fund.Status()), nil
}

// mark sets the venue's USD value for a farm, 18 decimals, as reported by
// the trading desk.
func (o *Operator) mark(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) != 2 {
		return "", errors.New("usage: /mark <farm> <usd>")
	}
	addr, err := farmArg(args)
	if err != nil {
		return "", err
	}
	if !o.registry.IsFarm(addr) {
		return "", fmt.Errorf("%s is not a farm", addr.Hex())
	}
	value, err := fee.ParseUnits(args[1], 18)
	if err != nil {
		return "", fmt.Errorf("usd value: %w", err)
	}
	o.venue.Set(addr, value)
	o.audit(ctx, meta, "mark", addr, nil)
	return fmt.Sprintf("%s marked at %s USD", addr.Hex(), args[1]), nil
}

func (o *Operator) adminCall() ledger.Call {
	return ledger.Call{Sender: o.registry.Roles().Admin, Timestamp: uint64(o.now().Unix())}
}

func farmArg(args []string) (common.Address, error) {
	if len(args) == 0 || !common.IsHexAddress(args[0]) {
		return common.Address{}, errors.New("a farm address is required")
	}
	return common.HexToAddress(args[0]), nil
}

func (o *Operator) overview() string {
	return strings.Join([]string{
		fmt.Sprintf("registry: %s", o.registry.Address().Hex()),
		fmt.Sprintf("single_farms: %d", len(o.registry.SingleFarms())),
		fmt.Sprintf("pooled_farms: %d", len(o.registry.PooledFarms())),
	}, "\n")
}

func (o *Operator) farmStatus(ctx context.Context, addr common.Address) (string, error) {
	held, err := o.venue.BalanceOf(ctx, addr)
	if err != nil {
		return "", err
	}
	if fund, ok := o.registry.SingleFarm(addr); ok {
		info := fund.Info()
		return strings.Join([]string{
			fmt.Sprintf("farm: %s (single)", info.Address),
			fmt.Sprintf("status: %s", info.Status),
			fmt.Sprintf("raised: %s", info.ActualTotalRaised),
			fmt.Sprintf("final_balance: %s", info.FinalBalance),
			fmt.Sprintf("venue_usd: %s", held.Dec()),
		}, "\n"), nil
	}
	if fund, ok := o.registry.PooledFarm(addr); ok {
		info, err := fund.Info(ctx)
		if err != nil {
			return "", err
		}
		return strings.Join([]string{
			fmt.Sprintf("farm: %s (pooled %s)", info.Address, info.Symbol),
			fmt.Sprintf("total_fund_value: %s", info.TotalFundValue),
			fmt.Sprintf("share_price: %s", info.SharePrice),
			fmt.Sprintf("total_supply: %s", info.TotalSupply),
			fmt.Sprintf("venue_usd: %s", held.Dec()),
		}, "\n"), nil
	}
	return "", fmt.Errorf("%s is not a farm", addr.Hex())
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status [farm] - registry overview or one farm",
		"/accrue - run a keeper tick now",
		"/mark <farm> <usd> - set the venue value of a farm",
		"/liquidate <farm> - liquidate a single farm the venue marks at zero",
		"/cancel <farm> - cancel a single farm past its deadline",
	}, "\n")
}

func (o *Operator) logError(err error) {
	if o.warned {
		return
	}
	o.warned = true
	o.log.Warn("telegram operator failed", zap.Error(err))
}

func (o *Operator) loadOffset(ctx context.Context) int64 {
	if o.store == nil {
		return 0
	}
	raw, ok, err := o.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (o *Operator) saveOffset(ctx context.Context, offset int64) {
	if o.store == nil {
		return
	}
	if err := o.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10)); err != nil {
		o.log.Warn("operator offset save failed", zap.Error(err))
	}
}

func (o *Operator) audit(ctx context.Context, meta operatorMeta, action string, addr common.Address, cmdErr error) {
	if o.store == nil {
		return
	}
	ev := operatorAuditEvent{
		UpdateID: meta.UpdateID,
		Time:     o.now().UTC(),
		Action:   action,
		Command:  meta.Raw,
		UserID:   meta.UserID,
		Username: meta.Username,
		ChatID:   meta.ChatID,
	}
	if addr != (common.Address{}) {
		ev.Farm = addr.Hex()
	}
	if cmdErr != nil {
		ev.Error = cmdErr.Error()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", ev.Time.UnixNano(), meta.UpdateID)
	if err := o.store.Set(ctx, key, string(payload)); err != nil {
		o.log.Warn("operator audit failed", zap.Error(err))
	}
}
