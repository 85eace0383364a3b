package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var (
	channelsPrefix string
	channelsInfo   string
	channelName    string
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List occupied channels, or inspect one by name",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireCredentials(); err != nil {
			return err
		}

		q := url.Values{}
		if channelsInfo != "" {
			q.Set("info", channelsInfo)
		}

		if channelName != "" {
			resp, err := newClient().do("GET", "/channels/"+channelName, q, nil)
			if err != nil {
				return err
			}
			fmt.Println(string(resp))
			return nil
		}

		if channelsPrefix != "" {
			q.Set("filter_by_prefix", channelsPrefix)
		}
		resp, err := newClient().do("GET", "/channels", q, nil)
		if err != nil {
			return err
		}
		fmt.Println(string(resp))
		return nil
	},
}

func init() {
	channelsCmd.Flags().StringVar(&channelName, "name", "", "inspect a single channel instead of listing")
	channelsCmd.Flags().StringVar(&channelsPrefix, "filter-by-prefix", "", "only list channels whose name starts with this prefix")
	channelsCmd.Flags().StringVar(&channelsInfo, "info", "user_count,subscription_count", "comma-separated info fields")
}
