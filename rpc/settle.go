package rpc

import (
	"strconv"
	"strings"

	"cipherpool/native/settlement"
)

type transferParams struct {
	Intent     string `json:"intent"`
	From       string `json:"from"`
	To         string `json:"to"`
	Instrument string `json:"instrument"`
	Amount     string `json:"amount"`
}

type netOrderParams struct {
	ZeroForOne  bool   `json:"zeroForOne"`
	AmountIn    string `json:"amountIn"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

type shareParams struct {
	Intent      string `json:"intent"`
	Participant string `json:"participant"`
	Numerator   uint64 `json:"numerator"`
	Denominator uint64 `json:"denominator"`
}

type settleParams struct {
	Batch        string           `json:"batch"`
	Transfers    []transferParams `json:"transfers,omitempty"`
	NetOrder     *netOrderParams  `json:"netOrder,omitempty"`
	Distribution []shareParams    `json:"distribution,omitempty"`
}

// proposal converts the wire form. Structural checks beyond field syntax are
// left to the settlement engine.
func (p settleParams) proposal() (settlement.Proposal, error) {
	var out settlement.Proposal
	for i, t := range p.Transfers {
		field := "transfers[" + strconv.Itoa(i) + "]"
		intent, err := parseHash(field+".intent", t.Intent)
		if err != nil {
			return out, err
		}
		from, err := parseAddress(field+".from", t.From)
		if err != nil {
			return out, err
		}
		to, err := parseAddress(field+".to", t.To)
		if err != nil {
			return out, err
		}
		instrument, err := parseInstrument(t.Instrument)
		if err != nil {
			return out, err
		}
		amount, err := parseValue(field+".amount", t.Amount)
		if err != nil {
			return out, err
		}
		out.Transfers = append(out.Transfers, settlement.InternalTransfer{
			IntentID:   intent,
			From:       from,
			To:         to,
			Instrument: instrument,
			Amount:     amount,
		})
	}
	if p.NetOrder != nil {
		amountIn, err := strconv.ParseUint(strings.TrimSpace(p.NetOrder.AmountIn), 10, 64)
		if err != nil {
			return out, invalidParams("netOrder.amountIn must be an unsigned 64-bit integer")
		}
		source, err := parseInstrument(p.NetOrder.Source)
		if err != nil {
			return out, err
		}
		destination, err := parseInstrument(p.NetOrder.Destination)
		if err != nil {
			return out, err
		}
		out.NetOrder = &settlement.NetOrder{
			ZeroForOne:  p.NetOrder.ZeroForOne,
			AmountIn:    amountIn,
			Source:      source,
			Destination: destination,
		}
	}
	for i, s := range p.Distribution {
		field := "distribution[" + strconv.Itoa(i) + "]"
		intent, err := parseHash(field+".intent", s.Intent)
		if err != nil {
			return out, err
		}
		participant, err := parseAddress(field+".participant", s.Participant)
		if err != nil {
			return out, err
		}
		out.Distribution = append(out.Distribution, settlement.Share{
			IntentID:    intent,
			Participant: participant,
			Numerator:   s.Numerator,
			Denominator: s.Denominator,
		})
	}
	return out, nil
}
