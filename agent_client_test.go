package acp_test

import (
	"context"
	"testing"
	"time"

	"github.com/acp-runtime/acp"
)

// newLinkedAgentClient wires an Agent and a ClientPeer together over a
// fakeTransport pair, the same in-process harness dispatcher_test.go uses
// for exercising the Dispatcher directly.
func newLinkedAgentClient(t *testing.T, agentCaps, clientCaps acp.Capabilities) (*acp.Agent, *acp.ClientPeer) {
	t.Helper()
	agentTransport, clientTransport := newFakeTransportPair()

	agent := acp.NewAgent(agentTransport, acp.AgentInfo{Name: "test-agent", Version: "0.0.1"}, agentCaps)
	client := acp.NewClientPeer(clientTransport, acp.ClientInfo{Name: "test-client", Version: "0.0.1"}, clientCaps)

	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("agent.Start failed: %v", err)
	}
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("client.Start failed: %v", err)
	}
	return agent, client
}

func TestInitializeHandshakeNegotiatesCapabilities(t *testing.T) {
	agentCaps := acp.Capabilities{LoadSession: true, SessionModes: true}
	clientCaps := acp.Capabilities{SessionModes: true, Attachments: true}
	agent, client := newLinkedAgentClient(t, agentCaps, clientCaps)
	defer agent.Close()
	defer client.Close()

	info, err := client.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if info.Name != "test-agent" {
		t.Errorf("AgentInfo.Name = %q, want %q", info.Name, "test-agent")
	}

	// Both sides announced SessionModes, so the call clears capability
	// gating on both ends and fails only once it reaches session lookup.
	err = client.SetMode(context.Background(), "nonexistent-session", "mode-a")
	if err == nil {
		t.Fatal("expected an error for an unknown session")
	}
	rpcErr, ok := err.(*acp.RPCError)
	if !ok {
		t.Fatalf("err type = %T, want *acp.RPCError", err)
	}
	if rpcErr.Code() != acp.ErrCodeSessionNotFound {
		t.Errorf("Code() = %d, want %d", rpcErr.Code(), acp.ErrCodeSessionNotFound)
	}
}

func TestNewSessionAndPromptRoundTrip(t *testing.T) {
	agent, client := newLinkedAgentClient(t, acp.Capabilities{}, acp.Capabilities{})
	defer agent.Close()
	defer client.Close()

	if _, err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	agent.OnPrompt(func(ctx context.Context, session *acp.AgentSession, content []acp.ContentBlockWrapper) (acp.StopReason, error) {
		session.SendMessageChunk(0, "hello ", false)
		session.SendMessageChunk(1, "world", true)
		return acp.StopReasonEndTurn, nil
	})

	session, err := client.NewSession(context.Background(), "/tmp/work", nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	reason, reply, err := client.RunPrompt(context.Background(), session.ID, "hi")
	if err != nil {
		t.Fatalf("RunPrompt failed: %v", err)
	}
	if reason != acp.StopReasonEndTurn {
		t.Errorf("StopReason = %q, want %q", reason, acp.StopReasonEndTurn)
	}
	if reply != "hello world" {
		t.Errorf("reply = %q, want %q", reply, "hello world")
	}
}

func TestSessionPromptRejectsConcurrentPromptsForSameSession(t *testing.T) {
	agent, client := newLinkedAgentClient(t, acp.Capabilities{}, acp.Capabilities{})
	defer agent.Close()
	defer client.Close()

	if _, err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	enteredFirst := make(chan struct{})
	releaseFirst := make(chan struct{})
	agent.OnPrompt(func(ctx context.Context, session *acp.AgentSession, content []acp.ContentBlockWrapper) (acp.StopReason, error) {
		close(enteredFirst)
		<-releaseFirst
		return acp.StopReasonEndTurn, nil
	})

	session, err := client.NewSession(context.Background(), "/tmp/work", nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	firstDone := make(chan error, 1)
	go func() {
		_, _, err := client.RunPrompt(context.Background(), session.ID, "first")
		firstDone <- err
	}()

	select {
	case <-enteredFirst:
	case <-time.After(time.Second):
		t.Fatal("first prompt handler never started")
	}

	_, _, err = client.RunPrompt(context.Background(), session.ID, "second")
	if err == nil {
		t.Fatal("expected the concurrent second prompt to be rejected")
	}
	rpcErr, ok := err.(*acp.RPCError)
	if !ok {
		t.Fatalf("err type = %T, want *acp.RPCError", err)
	}
	if rpcErr.Code() != acp.ErrCodeInvalidSessionState {
		t.Errorf("Code() = %d, want %d", rpcErr.Code(), acp.ErrCodeInvalidSessionState)
	}

	close(releaseFirst)
	if err := <-firstDone; err != nil {
		t.Errorf("first prompt should have completed without error, got: %v", err)
	}
}

func TestSessionCancelMarksAgentSideSessionCancelled(t *testing.T) {
	agent, client := newLinkedAgentClient(t, acp.Capabilities{}, acp.Capabilities{})
	defer agent.Close()
	defer client.Close()

	if _, err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	cancelSeen := make(chan struct{})
	agent.OnPrompt(func(ctx context.Context, session *acp.AgentSession, content []acp.ContentBlockWrapper) (acp.StopReason, error) {
		for i := 0; i < 100; i++ {
			if session.IsCancelled() {
				close(cancelSeen)
				return acp.StopReasonCancelled, nil
			}
			time.Sleep(5 * time.Millisecond)
		}
		return acp.StopReasonEndTurn, nil
	})

	session, err := client.NewSession(context.Background(), "/tmp/work", nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	promptDone := make(chan acp.StopReason, 1)
	go func() {
		reason, _, _ := client.RunPrompt(context.Background(), session.ID, "hi")
		promptDone <- reason
	}()

	time.Sleep(20 * time.Millisecond)
	if err := client.Cancel(context.Background(), session.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	select {
	case <-cancelSeen:
	case <-time.After(time.Second):
		t.Fatal("agent-side session was never observed as cancelled")
	}

	if reason := <-promptDone; reason != acp.StopReasonCancelled {
		t.Errorf("StopReason = %q, want %q", reason, acp.StopReasonCancelled)
	}
}

func TestSetModeRequiresAnnouncedCapability(t *testing.T) {
	agent, client := newLinkedAgentClient(t, acp.Capabilities{}, acp.Capabilities{})
	defer agent.Close()
	defer client.Close()

	if _, err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	err := client.SetMode(context.Background(), "some-session", "mode-a")
	if err == nil {
		t.Fatal("expected an error: agent did not announce SessionModes")
	}
	pe, ok := err.(*acp.ProtocolError)
	if !ok {
		t.Fatalf("err type = %T, want *acp.ProtocolError", err)
	}
	if pe.Kind != acp.KindCapabilityNotSupported {
		t.Errorf("Kind = %v, want KindCapabilityNotSupported", pe.Kind)
	}
}

func TestReadTextFileWithoutHandlerIsCapabilityNotSupported(t *testing.T) {
	// The client announces attachments support (so the agent's own
	// capability gate passes) but installs no file reader, so the
	// rejection comes from the client's handler, not the agent's gate.
	agent, client := newLinkedAgentClient(t, acp.Capabilities{}, acp.Capabilities{Attachments: true})
	defer agent.Close()
	defer client.Close()

	if _, err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	done := make(chan error, 1)
	agent.OnPrompt(func(ctx context.Context, session *acp.AgentSession, content []acp.ContentBlockWrapper) (acp.StopReason, error) {
		_, err := session.ReadTextFile(ctx, "/tmp/a.txt")
		done <- err
		return acp.StopReasonEndTurn, nil
	})

	session, err := client.NewSession(context.Background(), "/tmp/work", nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	if _, _, err := client.RunPrompt(context.Background(), session.ID, "hi"); err != nil {
		t.Fatalf("RunPrompt failed: %v", err)
	}

	readErr := <-done
	if readErr == nil {
		t.Fatal("expected an error: client installed no file reader")
	}
	rpcErr, ok := readErr.(*acp.RPCError)
	if !ok {
		t.Fatalf("err type = %T, want *acp.RPCError", readErr)
	}
	if rpcErr.Code() != acp.ErrCodeCapabilityNotSupported {
		t.Errorf("Code() = %d, want %d", rpcErr.Code(), acp.ErrCodeCapabilityNotSupported)
	}
}

func TestReadTextFileRefusedWhenRemoteCapabilityNotAnnounced(t *testing.T) {
	// The client installs a file reader but never announces the
	// attachments capability, so the agent's own gate must refuse the
	// call before it ever reaches the wire.
	agent, client := newLinkedAgentClient(t, acp.Capabilities{}, acp.Capabilities{})
	defer agent.Close()
	defer client.Close()

	client.SetFileHandlers(
		func(ctx context.Context, path string) (string, error) { return "unreachable", nil },
		func(ctx context.Context, path, content string) error { return nil },
	)

	if _, err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	done := make(chan error, 1)
	agent.OnPrompt(func(ctx context.Context, session *acp.AgentSession, content []acp.ContentBlockWrapper) (acp.StopReason, error) {
		_, err := session.ReadTextFile(ctx, "/tmp/a.txt")
		done <- err
		return acp.StopReasonEndTurn, nil
	})

	session, err := client.NewSession(context.Background(), "/tmp/work", nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if _, _, err := client.RunPrompt(context.Background(), session.ID, "hi"); err != nil {
		t.Fatalf("RunPrompt failed: %v", err)
	}

	readErr := <-done
	pe, ok := readErr.(*acp.ProtocolError)
	if !ok {
		t.Fatalf("err type = %T, want *acp.ProtocolError (agent's own gate, no round-trip)", readErr)
	}
	if pe.Kind != acp.KindCapabilityNotSupported {
		t.Errorf("Kind = %v, want KindCapabilityNotSupported", pe.Kind)
	}
}

func TestReadWriteTextFileRoundTripThroughInstalledHandlers(t *testing.T) {
	agent, client := newLinkedAgentClient(t, acp.Capabilities{}, acp.Capabilities{Attachments: true})
	defer agent.Close()
	defer client.Close()

	files := map[string]string{}
	client.SetFileHandlers(
		func(ctx context.Context, path string) (string, error) {
			content, ok := files[path]
			if !ok {
				return "", acp.NewProtocolError(acp.KindResourceNotFound, "no such file")
			}
			return content, nil
		},
		func(ctx context.Context, path, content string) error {
			files[path] = content
			return nil
		},
	)

	if _, err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	result := make(chan string, 1)
	agent.OnPrompt(func(ctx context.Context, session *acp.AgentSession, content []acp.ContentBlockWrapper) (acp.StopReason, error) {
		if err := session.WriteTextFile(ctx, "/tmp/a.txt", "written by agent"); err != nil {
			result <- "write error: " + err.Error()
			return acp.StopReasonError, nil
		}
		got, err := session.ReadTextFile(ctx, "/tmp/a.txt")
		if err != nil {
			result <- "read error: " + err.Error()
			return acp.StopReasonError, nil
		}
		result <- got
		return acp.StopReasonEndTurn, nil
	})

	session, err := client.NewSession(context.Background(), "/tmp/work", nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if _, _, err := client.RunPrompt(context.Background(), session.ID, "hi"); err != nil {
		t.Fatalf("RunPrompt failed: %v", err)
	}

	if got := <-result; got != "written by agent" {
		t.Errorf("round-tripped content = %q, want %q", got, "written by agent")
	}
}

func TestCreateTerminalThroughClientPeerManager(t *testing.T) {
	agent, client := newLinkedAgentClient(t, acp.Capabilities{}, acp.Capabilities{})
	defer agent.Close()
	defer client.Close()

	if _, err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	result := make(chan error, 1)
	agent.OnPrompt(func(ctx context.Context, session *acp.AgentSession, content []acp.ContentBlockWrapper) (acp.StopReason, error) {
		_, pid, err := session.CreateTerminal(ctx, acp.TerminalCreateOptions{Command: "echo", Args: []string{"from terminal"}})
		if err != nil {
			result <- err
			return acp.StopReasonError, nil
		}
		if pid <= 0 {
			result <- acp.NewProtocolError(acp.KindInternalError, "expected a positive pid")
			return acp.StopReasonError, nil
		}
		result <- nil
		return acp.StopReasonEndTurn, nil
	})

	session, err := client.NewSession(context.Background(), "/tmp/work", nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if _, _, err := client.RunPrompt(context.Background(), session.ID, "hi"); err != nil {
		t.Fatalf("RunPrompt failed: %v", err)
	}

	if err := <-result; err != nil {
		t.Errorf("CreateTerminal failed: %v", err)
	}
	if client.Terminals() == nil {
		t.Error("Terminals() should expose the client-side manager")
	}
}
