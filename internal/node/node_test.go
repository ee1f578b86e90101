package node_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testnet/internal/i2pcontrol"
	"testnet/internal/i2pcontrol/i2pcontroltest"
	"testnet/internal/node"
	"testnet/internal/sandbox"
	"testnet/internal/sandbox/sandboxtest"
)

const network = "i2pdtestnet"

func routerInfo() map[string]any {
	return map[string]any{
		i2pcontrol.KeyNetStatus:     0,
		i2pcontrol.KeySuccessRate:   100,
		i2pcontrol.KeyKnownPeers:    5,
		i2pcontrol.KeyActivePeers:   5,
		i2pcontrol.KeyReceivedBytes: json.Number("165940.0"),
		i2pcontrol.KeySentBytes:     json.Number("161520.0"),
		i2pcontrol.KeyParticipating: 25,
	}
}

func launch(t *testing.T, rt *sandboxtest.Fake) string {
	t.Helper()
	id, err := rt.Run(context.Background(), sandbox.RunSpec{Image: "i2pd", Network: network, Expose: node.ServicePorts()})
	require.NoError(t, err)
	return id
}

func resolve(t *testing.T, rt *sandboxtest.Fake, id, url string) *node.Node {
	t.Helper()
	n, err := node.Resolve(context.Background(), rt, id, network, false, node.Options{
		ControlURL: func(string) string { return url },
	})
	require.NoError(t, err)
	return n
}

func TestResolve_DerivesEndpoints(t *testing.T) {
	t.Parallel()

	rt := sandboxtest.New()
	id := launch(t, rt)

	n, err := node.Resolve(context.Background(), rt, id, network, true, node.Options{})
	require.NoError(t, err)

	assert.Equal(t, "8fddbcbb1001", n.ID)
	assert.Equal(t, id, n.ContainerID)
	assert.Equal(t, "172.18.0.2", n.Address)
	assert.True(t, n.Floodfill)
	assert.Equal(t, node.Endpoints{
		Control:    "https://172.18.0.2:7650",
		SAM:        "172.18.0.2:7656",
		Webconsole: "http://172.18.0.2:7070",
		HTTPProxy:  "172.18.0.2:4444",
		SocksProxy: "172.18.0.2:4447",
	}, n.Endpoints)
	assert.Equal(t, []nat.Port{"4444/tcp", "4447/tcp", "7070/tcp", "7650/tcp", "7656/tcp"}, n.Ports)
	assert.Equal(t, "i2pd node: 8fddbcbb1001  IP: 172.18.0.2", n.String())
}

func TestResolve_NoAddressIsNotReady(t *testing.T) {
	t.Parallel()

	rt := sandboxtest.New()
	rt.NoAddress = true
	id := launch(t, rt)

	_, err := node.Resolve(context.Background(), rt, id, network, false, node.Options{})
	assert.True(t, errors.Is(err, node.ErrNotReady), "err=%v", err)
}

func TestResolve_UnknownContainer(t *testing.T) {
	t.Parallel()

	_, err := node.Resolve(context.Background(), sandboxtest.New(), "deadbeef", network, false, node.Options{})
	assert.True(t, errors.Is(err, sandbox.ErrNotFound), "err=%v", err)
}

func TestStatus_ReadyLine(t *testing.T) {
	t.Parallel()

	srv := i2pcontroltest.New(i2pcontrol.DefaultPassword, routerInfo())
	defer srv.Close()

	rt := sandboxtest.New()
	n := resolve(t, rt, launch(t, rt), srv.URL)

	st := n.Status(context.Background())
	require.True(t, st.Ready, st.Reason)
	assert.Equal(t, "OK", st.Label())
	assert.Equal(t, "8fddbcbb1001  172.18.0.2  OK  100%  5/5  165940.0/161520.0  25", st.Line())
}

func TestStatus_UnreachableIsNotReady(t *testing.T) {
	t.Parallel()

	srv := i2pcontroltest.New(i2pcontrol.DefaultPassword, routerInfo())
	url := srv.URL
	srv.Close()

	rt := sandboxtest.New()
	n := resolve(t, rt, launch(t, rt), url)

	st := n.Status(context.Background())
	assert.False(t, st.Ready)
	assert.Nil(t, st.Info)
	assert.NotEmpty(t, st.Reason)
	assert.Equal(t, "NOT READY", st.Label())
	assert.Equal(t, "8fddbcbb1001  172.18.0.2  NOT READY", st.Line())
}

func TestStatus_ReauthenticatesOnceAfterExpiry(t *testing.T) {
	t.Parallel()

	srv := i2pcontroltest.New(i2pcontrol.DefaultPassword, routerInfo())
	defer srv.Close()

	rt := sandboxtest.New()
	n := resolve(t, rt, launch(t, rt), srv.URL)
	ctx := context.Background()

	require.True(t, n.Status(ctx).Ready)
	srv.Expire()
	require.True(t, n.Status(ctx).Ready)
	assert.Equal(t, 2, srv.AuthCalls())
}

func TestStatus_WrongPasswordIsNotReady(t *testing.T) {
	t.Parallel()

	srv := i2pcontroltest.New("secret", routerInfo())
	defer srv.Close()

	rt := sandboxtest.New()
	n := resolve(t, rt, launch(t, rt), srv.URL)

	_, err := n.Info(context.Background())
	assert.True(t, errors.Is(err, i2pcontrol.ErrAuthRejected), "err=%v", err)
	assert.False(t, n.Status(context.Background()).Ready)
}

func TestAddTunnel_AppendsAndReloads(t *testing.T) {
	t.Parallel()

	rt := sandboxtest.New()
	id := launch(t, rt)
	n := resolve(t, rt, id, "https://unused")

	opts, err := node.ParseOptions([]string{"type=server", "host=127.0.0.1", "port=8080", "keys=web.dat"})
	require.NoError(t, err)
	tun, err := node.NewTunnel("web", opts)
	require.NoError(t, err)

	require.NoError(t, n.AddTunnel(context.Background(), tun))

	c, ok := rt.Container(id)
	require.True(t, ok)
	require.Len(t, c.Execs, 2)
	appendCmd := c.Execs[0]
	assert.Equal(t, "/bin/sh", appendCmd[0])
	assert.Equal(t, "\n[web]\ntype = server\nhost = 127.0.0.1\nport = 8080\nkeys = web.dat\n", appendCmd[len(appendCmd)-2])
	assert.Equal(t, node.TunnelsConf, appendCmd[len(appendCmd)-1])
	assert.Equal(t, []string{"kill", "-HUP", "1"}, c.Execs[1])
	assert.Equal(t, []node.Tunnel{tun}, n.Tunnels())
}

func TestTunnelDestinations(t *testing.T) {
	t.Parallel()

	rt := sandboxtest.New()
	id := launch(t, rt)
	n := resolve(t, rt, id, "https://unused")

	rt.AppendLogs(id, "12:00:01@123/info - Clients: Starting\r\n"+
		"12:00:02@123/info - Clients: New private keys file /home/i2pd/data/web.dat for abcdefgh.b32.i2p created\n"+
		"12:00:03@123/info - Clients: New private keys file /home/i2pd/data/irc.dat for ijklmnop.b32.i2p created\n")

	dests, err := n.TunnelDestinations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"abcdefgh.b32.i2p", "ijklmnop.b32.i2p"}, dests)
}

func TestParseOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		want    []node.TunnelOption
		wantErr bool
	}{
		{
			name: "ordered",
			args: []string{"type=client", "port=7777", "destination=abc.b32.i2p"},
			want: []node.TunnelOption{{"type", "client"}, {"port", "7777"}, {"destination", "abc.b32.i2p"}},
		},
		{name: "empty", args: nil, want: []node.TunnelOption{}},
		{name: "value keeps equals", args: []string{"signature=a=b"}, want: []node.TunnelOption{{"signature", "a=b"}}},
		{name: "missing equals", args: []string{"type"}, wantErr: true},
		{name: "empty key", args: []string{"=x"}, wantErr: true},
		{name: "section injection", args: []string{"[x]=y"}, wantErr: true},
		{name: "newline", args: []string{"type=client\n[evil]"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := node.ParseOptions(tt.args)
			if tt.wantErr {
				var oe *node.OptionError
				require.True(t, errors.As(err, &oe), "err=%v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewTunnel_RejectsBadNames(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "  ", "a]b", "x\ny"} {
		_, err := node.NewTunnel(name, nil)
		assert.Error(t, err, "name=%q", name)
	}
}

func TestHeader(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "CONTAINER  IP  STATUS  SUCC RATE  PEERS K/A  BYTES S/R  PART. TUNNELS", node.Header)
}
