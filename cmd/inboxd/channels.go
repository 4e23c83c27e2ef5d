package main

import (
	"fmt"
	"log/slog"

	"github.com/h1v3-io/inbox/internal/config"
	"github.com/h1v3-io/inbox/internal/connector"
	"github.com/h1v3-io/inbox/internal/connector/meta"
	"github.com/h1v3-io/inbox/internal/connector/telegram"
	"github.com/h1v3-io/inbox/internal/connector/whatsapp"
	"github.com/h1v3-io/inbox/internal/hours"
	"github.com/h1v3-io/inbox/internal/registry"
	"github.com/h1v3-io/inbox/pkg/protocol"
)

// buildChannel creates the adapter for one configured channel and wraps it
// with the channel's tenant policy.
func buildChannel(cc config.ChannelConfig, inbound connector.InboundHandler, logger *slog.Logger) (registry.Channel, error) {
	var adapter connector.Adapter
	switch cc.Kind {
	case protocol.ChannelTelegram:
		a, err := telegram.New(telegram.Config{
			ChannelID: cc.ID,
			Token:     cc.Token,
			AllowFrom: cc.AllowFrom,
		}, inbound, logger)
		if err != nil {
			return registry.Channel{}, err
		}
		adapter = a
	case protocol.ChannelWhatsApp:
		a, err := whatsapp.New(whatsapp.Config{
			ChannelID:     cc.ID,
			PhoneNumberID: cc.PhoneNumberID,
			AccessToken:   cc.Token,
			APIBase:       cc.APIBase,
			AppSecret:     cc.AppSecret,
			VerifyToken:   cc.VerifyToken,
		}, inbound, logger)
		if err != nil {
			return registry.Channel{}, err
		}
		adapter = a
	case protocol.ChannelMessenger, protocol.ChannelInstagram:
		a, err := meta.New(meta.Config{
			ChannelID:       cc.ID,
			Kind:            cc.Kind,
			PageAccessToken: cc.Token,
			APIBase:         cc.APIBase,
			AppSecret:       cc.AppSecret,
			VerifyToken:     cc.VerifyToken,
		}, inbound, logger)
		if err != nil {
			return registry.Channel{}, err
		}
		adapter = a
	default:
		return registry.Channel{}, fmt.Errorf("unsupported channel kind %q", cc.Kind)
	}

	schedule, err := hours.New(cc.Hours)
	if err != nil {
		return registry.Channel{}, err
	}
	return registry.Channel{
		ID:                cc.ID,
		Tenant:            cc.Tenant,
		Adapter:           adapter,
		Farewell:          cc.Farewell,
		Hours:             schedule,
		OutOfHoursMessage: cc.OutOfHoursMessage,
		CloseOutOfHours:   cc.CloseOutOfHours,
		SendRate:          cc.SendRate,
		SendBurst:         cc.SendBurst,
	}, nil
}
