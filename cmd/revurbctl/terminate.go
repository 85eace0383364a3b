package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var terminateCmd = &cobra.Command{
	Use:   "terminate <user-id>",
	Short: "Force-disconnect every connection for a presence user_id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireCredentials(); err != nil {
			return err
		}
		resp, err := newClient().do("POST", "/users/"+args[0]+"/terminate_connections", nil, nil)
		if err != nil {
			return err
		}
		fmt.Println(string(resp))
		return nil
	},
}
