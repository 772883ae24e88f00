package messaging

import (
	"testing"

	"carshare-box/internal/logger"
	"carshare-box/internal/types"
)

func TestHandleLockCommand(t *testing.T) {
	var got []types.LockTarget
	r := NewRedisClient("127.0.0.1:6379", logger.NewNop(), Callbacks{
		LockCallback: func(target types.LockTarget) error {
			got = append(got, target)
			return nil
		},
	})
	defer r.client.Close()

	if err := r.handleLockCommand("lock"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := r.handleLockCommand("unlock"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := r.handleLockCommand("open-sesame"); err == nil {
		t.Error("Expected error for unknown command")
	}

	if len(got) != 2 || got[0] != types.TargetLocked || got[1] != types.TargetUnlocked {
		t.Errorf("Unexpected targets %v", got)
	}
}

func TestHandleLockCommandWithoutCallback(t *testing.T) {
	r := NewRedisClient("127.0.0.1:6379", logger.NewNop(), Callbacks{})
	defer r.client.Close()
	if err := r.handleLockCommand("lock"); err != nil {
		t.Errorf("Missing callback should be ignored, got %v", err)
	}
}

func TestDecodeCards(t *testing.T) {
	etag, list, err := decodeCards(map[string]string{})
	if err != nil || etag != -1 || list != nil {
		t.Errorf("Empty hash: etag=%d list=%v err=%v", etag, list, err)
	}

	etag, list, err = decodeCards(map[string]string{"etag": "9", "cards": "aabbccdd,11223344"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if etag != 9 || len(list) != 2 || list[1] != "11223344" {
		t.Errorf("Got etag=%d list=%v", etag, list)
	}

	etag, list, err = decodeCards(map[string]string{"etag": "3", "cards": ""})
	if err != nil || etag != 3 || len(list) != 0 {
		t.Errorf("Empty list: etag=%d list=%v err=%v", etag, list, err)
	}

	if _, _, err := decodeCards(map[string]string{"etag": "x"}); err == nil {
		t.Error("Expected error for non-numeric etag")
	}
}
