package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/mattn/go-colorable"
	"github.com/olekukonko/tablewriter"

	"github.com/colodha/colod/colodapi"
)

// renderStatus prints a StatusResponse as a two-column table, the same
// shape lxc/utils/table.go's RenderTable uses for its "table" format.
func renderStatus(raw json.RawMessage) error {
	var st colodapi.StatusResponse
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("colodctl: decoding status response: %w", err)
	}

	table := tablewriter.NewWriter(colorable.NewColorableStdout())
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"FIELD", "VALUE"})
	table.AppendBulk([][]string{
		{"primary", strconv.FormatBool(st.Primary)},
		{"replication", strconv.FormatBool(st.Replication)},
		{"failed", strconv.FormatBool(st.Failed)},
		{"peer-failover", strconv.FormatBool(st.PeerFailover)},
		{"peer-failed", strconv.FormatBool(st.PeerFailed)},
	})
	table.Render()

	return nil
}

// renderPeer prints a PeerResponse the same way.
func renderPeer(raw json.RawMessage) error {
	var p colodapi.PeerResponse
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("colodctl: decoding peer response: %w", err)
	}

	table := tablewriter.NewWriter(colorable.NewColorableStdout())
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"FIELD", "VALUE"})
	table.AppendBulk([][]string{
		{"name", p.Name},
		{"failed", strconv.FormatBool(p.Failed)},
		{"yellow", strconv.FormatBool(p.Yellow)},
		{"failed-over", strconv.FormatBool(p.FailedOver)},
	})
	table.Render()

	return nil
}

func printRaw(raw json.RawMessage) error {
	_, err := os.Stdout.Write(append(raw, '\n'))
	return err
}
