package firecracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// apiClient speaks the Firecracker control API: plain HTTP over the unix
// socket the firecracker process created. Every configuration call is a PUT
// that must come back 2xx; anything else is fatal for the session.
type apiClient struct {
	httpc *http.Client
}

func newAPIClient(socketPath string) *apiClient {
	return &apiClient{
		httpc: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 10 * time.Second,
		},
	}
}

type bootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

type drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type machineConfig struct {
	VcpuCount  int `json:"vcpu_count"`
	MemSizeMib int `json:"mem_size_mib"`
}

type vsockDevice struct {
	GuestCID int    `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

type instanceAction struct {
	ActionType string `json:"action_type"`
}

func (c *apiClient) SetBootSource(ctx context.Context, kernelPath string) error {
	return c.put(ctx, "/boot-source", bootSource{
		KernelImagePath: kernelPath,
		BootArgs:        "console=ttyS0 reboot=k panic=1 pci=off quiet",
	})
}

func (c *apiClient) SetRootDrive(ctx context.Context, rootfsPath string) error {
	return c.put(ctx, "/drives/rootfs", drive{
		DriveID:      "rootfs",
		PathOnHost:   rootfsPath,
		IsRootDevice: true,
		IsReadOnly:   false,
	})
}

func (c *apiClient) SetMachineConfig(ctx context.Context, vcpus, memoryMB int) error {
	return c.put(ctx, "/machine-config", machineConfig{
		VcpuCount:  vcpus,
		MemSizeMib: memoryMB,
	})
}

// SetVsock registers the vsock device. CID 3 is the guest by convention;
// the host side rendezvouses on udsPath.
func (c *apiClient) SetVsock(ctx context.Context, udsPath string) error {
	return c.put(ctx, "/vsock", vsockDevice{
		GuestCID: 3,
		UDSPath:  udsPath,
	})
}

func (c *apiClient) StartInstance(ctx context.Context) error {
	return c.put(ctx, "/actions", instanceAction{ActionType: "InstanceStart"})
}

func (c *apiClient) put(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://localhost"+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("PUT %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("PUT %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
