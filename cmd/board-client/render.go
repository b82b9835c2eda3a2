package main

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/stv-board/internal/domain"
	"github.com/stv-board/internal/syncclient"
)

func renderCheaters(w io.Writer, list []domain.Cheater) error {
	table := tablewriter.NewTable(w)
	table.Header([]string{"ID", "Player", "Steam ID", "Server", "Detections", "Cheats", "Fungun", "Detected"})
	for _, c := range list {
		if err := table.Append([]string{
			c.ID,
			c.PlayerName,
			c.SteamID,
			c.ServerName,
			strconv.Itoa(c.DetectionCount),
			strings.Join(c.CheatTypes, ", "),
			strings.Join(syncclient.FungunLinks(c.FungunReport), "\n"),
			c.DetectedAt.Local().Format(time.DateTime),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func renderTickets(w io.Writer, list []domain.Ticket) error {
	table := tablewriter.NewTable(w)
	table.Header([]string{"ID", "Clan", "Contact", "Maps", "Schedule", "Notes", "Opened"})
	for _, t := range list {
		if err := table.Append([]string{
			t.ID,
			t.ClanName,
			t.ContactInfo,
			strings.Join(t.MapPreference, ", "),
			t.Schedule,
			t.Notes,
			t.CreatedAt.Local().Format(time.DateTime),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}
