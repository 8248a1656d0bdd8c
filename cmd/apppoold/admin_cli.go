package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Talk to a running apppoold's admin HTTP server",
}

var adminStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the pool's current groups/processes snapshot",
	RunE:  runAdminStatus,
}

var adminSetMaxCmd = &cobra.Command{
	Use:   "set-max",
	Short: "Change the pool's global process ceiling",
	RunE:  runAdminSetMax,
}

var adminDetachCmd = &cobra.Command{
	Use:   "detach",
	Short: "Detach a single process by gupid",
	RunE:  runAdminDetach,
}

func adminClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func runAdminStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("admin-addr")
	return adminGet(addr + "/admin/status")
}

func runAdminSetMax(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("admin-addr")
	max, _ := cmd.Flags().GetInt("max")
	return adminPost(addr+"/admin/set_max", map[string]int{"max": max})
}

func runAdminDetach(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("admin-addr")
	gupid, _ := cmd.Flags().GetString("gupid")
	return adminPost(addr+"/admin/detach_process", map[string]string{"gupid": gupid})
}

func adminGet(url string) error {
	resp, err := adminClient().Get(url)
	if err != nil {
		return fmt.Errorf("admin request failed: %w", err)
	}
	defer resp.Body.Close()
	return printAdminResponse(resp)
}

func adminPost(url string, payload interface{}) error {
	body, err := adminCodec().Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := adminClient().Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("admin request failed: %w", err)
	}
	defer resp.Body.Close()
	return printAdminResponse(resp)
}

func printAdminResponse(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("admin server returned %s: %s", resp.Status, bytes.TrimSpace(data))
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
