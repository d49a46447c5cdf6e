package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"chatrelay/internal/api"
	"chatrelay/internal/config"
)

// AddUser creates or renames a profile through the admin API of a running
// server.
func AddUser(id, displayName string, cfg *config.Config, out io.Writer) error {
	reqBody, err := json.Marshal(api.AddUserRequest{ID: id, DisplayName: displayName})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	url := fmt.Sprintf("http://%s/admin/users", cfg.AdminAddr)
	resp, err := client.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var result api.AddUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if result.User == nil {
		return fmt.Errorf("admin API returned no user")
	}

	_, _ = fmt.Fprintf(out, "\nUser saved\n")
	_, _ = fmt.Fprintf(out, "ID:           %s\n", result.User.ID)
	_, _ = fmt.Fprintf(out, "Display name: %s\n", result.User.DisplayName)
	return nil
}
