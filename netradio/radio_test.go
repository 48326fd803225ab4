package netradio

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"geekpaste/session"
)

func newTestRadio(t *testing.T, deviceID string, approve func(string, string) bool) (*Radio, *Listener) {
	t.Helper()
	radio, err := New(Options{
		DeviceID:        deviceID,
		DeviceName:      strings.ToUpper(deviceID),
		IdleReadTimeout: 20 * time.Millisecond,
		CallTimeout:     2 * time.Second,
		ApproveBond:     approve,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	listener, err := radio.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })
	return radio, listener
}

func waitForEvent(t *testing.T, events <-chan session.LinkEvent, kind session.EventKind) session.LinkEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("events closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func acceptLink(t *testing.T, listener *Listener) *PeripheralLink {
	t.Helper()
	select {
	case link := <-listener.Links():
		peripheral, ok := link.(*PeripheralLink)
		if !ok {
			t.Fatalf("unexpected link type %T", link)
		}
		return peripheral
	case <-time.After(2 * time.Second):
		t.Fatalf("no inbound link delivered")
		return nil
	}
}

func TestLinkLifecycle(t *testing.T) {
	_, peripheralSide := newTestRadio(t, "alpha", nil)
	centralRadio, centralListener := newTestRadio(t, "beta", nil)
	ctx := context.Background()

	link, err := centralRadio.Connect(ctx, peripheralSide.Addr().String())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer link.Close()
	central := link.(*CentralLink)

	if central.Bonded() {
		t.Fatalf("first contact must not be bonded")
	}
	if central.RemoteDeviceID() != "alpha" {
		t.Fatalf("unexpected remote id %q", central.RemoteDeviceID())
	}
	if err := central.CreateBond(); err != nil {
		t.Fatalf("CreateBond failed: %v", err)
	}
	if ev := waitForEvent(t, central.Events(), session.EventBondState); !ev.Bonded {
		t.Fatalf("bond should be approved by default")
	}

	services, err := central.DiscoverServices(ctx)
	if err != nil {
		t.Fatalf("DiscoverServices failed: %v", err)
	}
	if len(services) != 1 || !services[0].HasCharacteristic(session.DefaultCharacteristicUUID) {
		t.Fatalf("unexpected services %+v", services)
	}
	if err := central.Subscribe(session.DefaultServiceUUID, "missing"); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejected subscribe, got %v", err)
	}
	if err := central.Subscribe(session.DefaultServiceUUID, session.DefaultCharacteristicUUID); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	peripheral := acceptLink(t, peripheralSide)
	if peripheral.RemoteDeviceID() != "beta" || peripheral.RemoteName() != "BETA" {
		t.Fatalf("unexpected central identity %q %q", peripheral.RemoteDeviceID(), peripheral.RemoteName())
	}
	wantAddress := net.JoinHostPort("127.0.0.1", strconv.Itoa(centralListener.Port()))
	if peripheral.Address() != wantAddress {
		t.Fatalf("peripheral address %q, want central radio address %q", peripheral.Address(), wantAddress)
	}

	long := bytes.Repeat([]byte{'x'}, 100)
	if err := central.Write(ctx, session.DefaultServiceUUID, session.DefaultCharacteristicUUID, long); !errors.Is(err, ErrValueTooLong) {
		t.Fatalf("write beyond default mtu should fail, got %v", err)
	}

	if err := central.RequestMTU(session.MaxMTU); err != nil {
		t.Fatalf("RequestMTU failed: %v", err)
	}
	if ev := waitForEvent(t, central.Events(), session.EventMTUChanged); ev.MTU != session.MaxMTU {
		t.Fatalf("unexpected central mtu %d", ev.MTU)
	}
	if ev := waitForEvent(t, peripheral.Events(), session.EventMTUChanged); ev.MTU != session.MaxMTU {
		t.Fatalf("unexpected peripheral mtu %d", ev.MTU)
	}

	if err := central.Write(ctx, session.DefaultServiceUUID, session.DefaultCharacteristicUUID, long); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	ev := waitForEvent(t, peripheral.Events(), session.EventNotification)
	if !bytes.Equal(ev.Value, long) || ev.Characteristic != session.DefaultCharacteristicUUID {
		t.Fatalf("unexpected notification %+v", ev)
	}

	if err := peripheral.Write(ctx, session.DefaultServiceUUID, session.DefaultCharacteristicUUID, []byte("pong")); err != nil {
		t.Fatalf("peripheral Write failed: %v", err)
	}
	if ev := waitForEvent(t, central.Events(), session.EventNotification); string(ev.Value) != "pong" {
		t.Fatalf("unexpected central notification %q", ev.Value)
	}

	if err := central.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if ev := waitForEvent(t, peripheral.Events(), session.EventDisconnected); ev.Err != nil {
		t.Fatalf("clean disconnect should carry no error, got %v", ev.Err)
	}
	if _, ok := <-peripheral.Events(); ok {
		t.Fatalf("events should close after disconnect")
	}
}

func TestBondRejectedAndRemembered(t *testing.T) {
	var allow atomic.Bool
	_, peripheralSide := newTestRadio(t, "alpha", func(deviceID, _ string) bool { return allow.Load() && deviceID == "beta" })
	centralRadio, _ := newTestRadio(t, "beta", nil)
	ctx := context.Background()

	link, err := centralRadio.Connect(ctx, peripheralSide.Addr().String())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := link.CreateBond(); err != nil {
		t.Fatalf("CreateBond failed: %v", err)
	}
	if ev := waitForEvent(t, link.Events(), session.EventBondState); ev.Bonded {
		t.Fatalf("bond should be rejected")
	}
	_ = link.Close()

	allow.Store(true)
	link, err = centralRadio.Connect(ctx, peripheralSide.Addr().String())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	_ = link.CreateBond()
	if ev := waitForEvent(t, link.Events(), session.EventBondState); !ev.Bonded {
		t.Fatalf("bond should be accepted")
	}
	_ = link.Close()

	link, err = centralRadio.Connect(ctx, peripheralSide.Addr().String())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer link.Close()
	if !link.Bonded() {
		t.Fatalf("reconnect should report the stored bond")
	}

	peripheralSide.Forget("beta")
	again, err := centralRadio.Connect(ctx, peripheralSide.Addr().String())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer again.Close()
	if again.Bonded() {
		t.Fatalf("forgotten device must pair again")
	}
}

func TestConnectRefused(t *testing.T) {
	radio, err := New(Options{DeviceID: "solo", DialTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	address := ln.Addr().String()
	_ = ln.Close()

	if _, err := radio.Connect(context.Background(), address); err == nil {
		t.Fatalf("expected dial failure")
	}
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected missing device id error")
	}
}

func TestSessionsOverRadio(t *testing.T) {
	radioA, listenerA := newTestRadio(t, "alpha", nil)
	radioB, _ := newTestRadio(t, "beta", nil)

	received := make(chan string, 1)
	managerA, err := session.NewManager(session.Options{
		Radio:          radioA,
		FragmentPacing: -1,
		OnText:         func(_ string, text string) { received <- text },
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer managerA.Stop()
	managerB, err := session.NewManager(session.Options{Radio: radioB, FragmentPacing: -1})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer managerB.Stop()

	go func() {
		for link := range listenerA.Links() {
			_ = managerA.Adopt(link)
		}
	}()

	address := listenerA.Addr().String()
	if err := managerB.Connect(context.Background(), address); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		sessions := managerB.Sessions()
		if len(sessions) == 1 && sessions[0].PayloadSize == session.MaxPayloadSize-session.ATTOverhead {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("mtu never negotiated: %+v", sessions)
		}
		time.Sleep(5 * time.Millisecond)
	}

	text := strings.Repeat("clipboard over the emulated radio ", 40)
	if err := managerB.SendText(context.Background(), address, text); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	select {
	case got := <-received:
		if got != text {
			t.Fatalf("text corrupted in transit")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("text never arrived")
	}
}

func TestReadFrameIdleAndOversize(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	if _, err := readFrame(server, 10*time.Millisecond, time.Second); !errors.Is(err, errIdle) {
		t.Fatalf("expected idle, got %v", err)
	}

	go func() {
		_ = writeFrame(client, radioFrame{Op: opNotify, Value: []byte{1, 2, 3}})
		_, _ = client.Write([]byte{0xff, 0xff, 0xff, 0xff})
	}()
	frame, err := readFrame(server, time.Second, time.Second)
	if err != nil {
		t.Fatalf("readFrame failed: %v", err)
	}
	if frame.Op != opNotify || !bytes.Equal(frame.Value, []byte{1, 2, 3}) {
		t.Fatalf("unexpected frame %+v", frame)
	}
	if _, err := readFrame(server, time.Second, time.Second); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestRemoteRadioAddress(t *testing.T) {
	remote := &net.TCPAddr{IP: net.ParseIP("192.168.1.7"), Port: 53122}
	if got := remoteRadioAddress(remote, 9787); got != "192.168.1.7:9787" {
		t.Fatalf("unexpected address %q", got)
	}
	if got := remoteRadioAddress(remote, 0); got != "192.168.1.7:53122" {
		t.Fatalf("unexpected fallback address %q", got)
	}
}
