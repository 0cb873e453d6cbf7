package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// dialControlSocket builds an http.Client that dials the unix control
// socket for every request, mirroring the teacher's habit of keeping
// transport wiring next to the thing that uses it rather than behind a
// shared package-level client.
func dialControlSocket(sockFile string) *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sockFile)
			},
		},
	}
}

func getJSON(client *http.Client, path string, out any) error {
	resp, err := client.Get("http://ustackd" + path)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: status %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
