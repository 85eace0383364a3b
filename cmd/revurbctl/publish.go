package main

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var (
	publishChannel string
	publishEvent   string
	publishData    string
	publishSocket  string
	publishInfo    string
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish an event to a channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireCredentials(); err != nil {
			return err
		}
		if publishChannel == "" || publishEvent == "" {
			return fmt.Errorf("--channel and --event are required")
		}

		body, err := json.Marshal(map[string]any{
			"name":      publishEvent,
			"channel":   publishChannel,
			"data":      publishData,
			"socket_id": publishSocket,
			"info":      publishInfo,
		})
		if err != nil {
			return err
		}

		resp, err := newClient().do("POST", "/events", url.Values{}, body)
		if err != nil {
			return err
		}
		fmt.Println(string(resp))
		return nil
	},
}

func init() {
	publishCmd.Flags().StringVar(&publishChannel, "channel", "", "target channel name")
	publishCmd.Flags().StringVar(&publishEvent, "event", "", "event name")
	publishCmd.Flags().StringVar(&publishData, "data", "{}", "event data, as a JSON-encoded string")
	publishCmd.Flags().StringVar(&publishSocket, "exclude-socket", "", "socket_id to exclude from delivery")
	publishCmd.Flags().StringVar(&publishInfo, "info", "", "comma-separated channel info fields to return (e.g. user_count)")
}
