package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woorichat/woorichat/internal/v1/crypt"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), crypt.NewKeyWrapper("test-secret"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateUser(t *testing.T, s *Store, username string) int64 {
	t.Helper()
	id, err := s.CreateUser(context.Background(), username, "hash-"+username, "")
	require.NoError(t, err)
	return id
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s1, err := Open(path, nil)
	require.NoError(t, err)
	mustCreateUser(t, s1, "alice")
	require.NoError(t, s1.Close())

	// Reopening must rerun migrations without error or data loss.
	s2, err := Open(path, nil)
	require.NoError(t, err)
	defer s2.Close()

	u, err := s2.GetUserByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
}

func TestCreateUser_DuplicateUsername(t *testing.T) {
	s := newTestStore(t)
	mustCreateUser(t, s, "alice")

	_, err := s.CreateUser(context.Background(), "alice", "h", "")
	assert.ErrorIs(t, err, ErrDuplicateUsername)
}

func TestSessionToken_RotationInvalidatesPrevious(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := mustCreateUser(t, s, "alice")

	require.NoError(t, s.SetSessionToken(ctx, id, "token-1"))
	u, err := s.GetUserBySessionToken(ctx, "token-1")
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)

	require.NoError(t, s.SetSessionToken(ctx, id, "token-2"))
	_, err = s.GetUserBySessionToken(ctx, "token-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRoom_DirectDedupe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	r1, created, err := s.CreateRoom(ctx, "", "direct", alice, []int64{bob})
	require.NoError(t, err)
	assert.True(t, created)

	// Same pair again, initiated from either side, returns the same room.
	r2, created, err := s.CreateRoom(ctx, "", "direct", bob, []int64{alice})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, r1.ID, r2.ID)
}

func TestCreateRoom_DirectDedupeConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Both sides of several pairs race to create the same direct room; the
	// unique pair index must leave exactly one row per pair.
	const pairs = 20
	for i := 0; i < pairs; i++ {
		a := mustCreateUser(t, s, fmt.Sprintf("user%da", i))
		b := mustCreateUser(t, s, fmt.Sprintf("user%db", i))

		var wg sync.WaitGroup
		ids := make([]int64, 2)
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			room, _, err := s.CreateRoom(ctx, "", "direct", a, []int64{b})
			if room != nil {
				ids[0] = room.ID
			}
			errs[0] = err
		}()
		go func() {
			defer wg.Done()
			room, _, err := s.CreateRoom(ctx, "", "direct", b, []int64{a})
			if room != nil {
				ids[1] = room.ID
			}
			errs[1] = err
		}()
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		assert.Equal(t, ids[0], ids[1], "both sides must land in the same room")
	}

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rooms WHERE type = 'direct'`).Scan(&count))
	assert.Equal(t, pairs, count, "exactly one direct room per pair")
}

func TestCreateRoom_GroupDoesNotDedupe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	r1, _, err := s.CreateRoom(ctx, "team", "group", alice, []int64{bob})
	require.NoError(t, err)
	r2, created, err := s.CreateRoom(ctx, "team", "group", alice, []int64{bob})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, r1.ID, r2.ID)
}

func TestRoomKey_WrappedAtRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")

	room, _, err := s.CreateRoom(ctx, "team", "group", alice, nil)
	require.NoError(t, err)

	key, err := s.RoomKey(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, key, 44, "base64 of 32 bytes")

	var stored string
	require.NoError(t, s.db.QueryRow(
		`SELECT encryption_key FROM rooms WHERE id = ?`, room.ID).Scan(&stored))
	assert.NotEqual(t, key, stored, "key must not be stored in the clear")
}

func TestLeaveRoom_PromotesLongestStandingMember(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")
	carol := mustCreateUser(t, s, "carol")

	room, _, err := s.CreateRoom(ctx, "team", "group", alice, []int64{bob, carol})
	require.NoError(t, err)

	// Creator leaves and was the only admin.
	promoted, err := s.LeaveRoom(ctx, room.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, bob, promoted)

	isAdmin, err := s.IsAdmin(ctx, room.ID, bob)
	require.NoError(t, err)
	assert.True(t, isAdmin)
}

func TestLeaveRoom_NoPromotionWhenAdminRemains(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")
	carol := mustCreateUser(t, s, "carol")

	room, _, err := s.CreateRoom(ctx, "team", "group", alice, []int64{bob, carol})
	require.NoError(t, err)
	require.NoError(t, s.SetAdmin(ctx, room.ID, bob, true))

	promoted, err := s.LeaveRoom(ctx, room.ID, alice)
	require.NoError(t, err)
	assert.Zero(t, promoted, "bob already holds admin")
}

func TestLeaveRoom_LastMemberLeavesRoomEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")

	room, _, err := s.CreateRoom(ctx, "solo", "group", alice, nil)
	require.NoError(t, err)

	promoted, err := s.LeaveRoom(ctx, room.ID, alice)
	require.NoError(t, err)
	assert.Zero(t, promoted)

	empty, err := s.ListEmptyRoomIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, empty, room.ID)
}

func TestKickMember_Rules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")
	carol := mustCreateUser(t, s, "carol")

	room, _, err := s.CreateRoom(ctx, "team", "group", alice, []int64{bob, carol})
	require.NoError(t, err)
	require.NoError(t, s.SetAdmin(ctx, room.ID, bob, true))

	// Non-admin cannot kick.
	assert.ErrorIs(t, s.KickMember(ctx, room.ID, carol, bob), ErrForbidden)
	// Nobody kicks the creator.
	assert.ErrorIs(t, s.KickMember(ctx, room.ID, bob, alice), ErrForbidden)
	// Only the creator kicks another admin.
	require.NoError(t, s.SetAdmin(ctx, room.ID, carol, true))
	assert.ErrorIs(t, s.KickMember(ctx, room.ID, bob, carol), ErrForbidden)
	assert.NoError(t, s.KickMember(ctx, room.ID, alice, carol))

	ok, err := s.IsMember(ctx, room.ID, carol)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetAdmin_CreatorCannotBeDemoted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	room, _, err := s.CreateRoom(ctx, "team", "group", alice, []int64{bob})
	require.NoError(t, err)

	assert.ErrorIs(t, s.SetAdmin(ctx, room.ID, alice, false), ErrForbidden)
}

func TestDeleteMessage_Tombstone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	room, _, err := s.CreateRoom(ctx, "", "direct", alice, []int64{bob})
	require.NoError(t, err)

	msg, err := s.CreateMessage(ctx, NewMessage{
		RoomID: room.ID, SenderID: alice,
		Content: "cipher", Encrypted: true,
		MessageType: "file", FilePath: "20240101000000_ab12cd34_a.png", FileName: "a.png",
	})
	require.NoError(t, err)
	_, err = s.CreateRoomFile(ctx, room.ID, msg.ID, msg.FilePath, "a.png", "image", 10, alice)
	require.NoError(t, err)

	// Only the sender may delete.
	_, _, err = s.DeleteMessage(ctx, msg.ID, bob)
	assert.ErrorIs(t, err, ErrForbidden)

	roomID, orphan, err := s.DeleteMessage(ctx, msg.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, room.ID, roomID)
	assert.Equal(t, "20240101000000_ab12cd34_a.png", orphan)

	got, err := s.GetMessageByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "[삭제된 메시지]", got.Content)
	assert.False(t, got.Encrypted)
	assert.Empty(t, got.FilePath)

	_, err = s.GetRoomFileByPath(ctx, orphan)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdvanceLastRead_Monotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	room, _, err := s.CreateRoom(ctx, "", "direct", alice, []int64{bob})
	require.NoError(t, err)

	advanced, err := s.AdvanceLastRead(ctx, room.ID, bob, 10)
	require.NoError(t, err)
	assert.True(t, advanced)

	// A stale ack never moves the marker backwards.
	advanced, err = s.AdvanceLastRead(ctx, room.ID, bob, 5)
	require.NoError(t, err)
	assert.False(t, advanced)

	reads, err := s.RoomLastReads(ctx, room.ID)
	require.NoError(t, err)
	for _, lr := range reads {
		if lr.UserID == bob {
			assert.Equal(t, int64(10), lr.LastReadID)
		}
	}
}

func TestUnreadCount_ExcludesOwnMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	room, _, err := s.CreateRoom(ctx, "", "direct", alice, []int64{bob})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.CreateMessage(ctx, NewMessage{RoomID: room.ID, SenderID: alice, Content: "hi"})
		require.NoError(t, err)
	}
	_, err = s.CreateMessage(ctx, NewMessage{RoomID: room.ID, SenderID: bob, Content: "yo"})
	require.NoError(t, err)

	count, err := s.UnreadCount(ctx, room.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count, "bob's own message does not count")
}

func TestListRoomMessages_PagesBackwards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	room, _, err := s.CreateRoom(ctx, "", "direct", alice, []int64{bob})
	require.NoError(t, err)

	var ids []int64
	for i := 0; i < 5; i++ {
		m, err := s.CreateMessage(ctx, NewMessage{RoomID: room.ID, SenderID: alice, Content: "m"})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	page, err := s.ListRoomMessages(ctx, room.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[3], page[0].ID, "ascending order within the page")
	assert.Equal(t, ids[4], page[1].ID)

	older, err := s.ListRoomMessages(ctx, room.ID, page[0].ID, 2)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, ids[1], older[0].ID)
	assert.Equal(t, ids[2], older[1].ID)
}

func TestToggleReaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	room, _, err := s.CreateRoom(ctx, "", "direct", alice, []int64{bob})
	require.NoError(t, err)
	msg, err := s.CreateMessage(ctx, NewMessage{RoomID: room.ID, SenderID: alice, Content: "hi"})
	require.NoError(t, err)

	added, err := s.ToggleReaction(ctx, msg.ID, bob, "👍")
	require.NoError(t, err)
	assert.True(t, added)

	reactions, err := s.MessageReactions(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{bob}, reactions["👍"])

	// Same (user, emoji) again removes it.
	added, err = s.ToggleReaction(ctx, msg.ID, bob, "👍")
	require.NoError(t, err)
	assert.False(t, added)

	reactions, err = s.MessageReactions(ctx, msg.ID)
	require.NoError(t, err)
	assert.Empty(t, reactions)
}

func TestVote_SingleChoiceReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	room, _, err := s.CreateRoom(ctx, "team", "group", alice, []int64{bob})
	require.NoError(t, err)
	poll, err := s.CreatePoll(ctx, room.ID, alice, "lunch?", []string{"A", "B"}, false, false, "")
	require.NoError(t, err)

	require.NoError(t, s.Vote(ctx, poll.ID, poll.Options[0].ID, bob))
	require.NoError(t, s.Vote(ctx, poll.ID, poll.Options[1].ID, bob))

	got, err := s.GetPoll(ctx, poll.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Options[0].VoteCount)
	assert.Equal(t, int64(1), got.Options[1].VoteCount)
	assert.Equal(t, []int64{got.Options[1].ID}, got.MyVotes)
	assert.Equal(t, int64(1), got.TotalVoters)
}

func TestVote_ClosedPollAndForeignOption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")

	room, _, err := s.CreateRoom(ctx, "team", "group", alice, nil)
	require.NoError(t, err)
	p1, err := s.CreatePoll(ctx, room.ID, alice, "a?", []string{"x", "y"}, false, false, "")
	require.NoError(t, err)
	p2, err := s.CreatePoll(ctx, room.ID, alice, "b?", []string{"x", "y"}, false, false, "")
	require.NoError(t, err)

	assert.ErrorIs(t, s.Vote(ctx, p1.ID, p2.Options[0].ID, alice), ErrOptionMismatch)

	require.NoError(t, s.ClosePoll(ctx, p1.ID))
	assert.ErrorIs(t, s.Vote(ctx, p1.ID, p1.Options[0].ID, alice), ErrPollClosed)
}

func TestAnonymousPoll_WithholdsVoters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")

	room, _, err := s.CreateRoom(ctx, "team", "group", alice, nil)
	require.NoError(t, err)
	poll, err := s.CreatePoll(ctx, room.ID, alice, "secret?", []string{"x", "y"}, false, true, "")
	require.NoError(t, err)
	require.NoError(t, s.Vote(ctx, poll.ID, poll.Options[0].ID, alice))

	got, err := s.GetPoll(ctx, poll.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Options[0].VoteCount)
	assert.Nil(t, got.Options[0].Voters)
	assert.Equal(t, []int64{poll.Options[0].ID}, got.MyVotes, "own votes stay visible")
}

func TestAdvancedSearch_Pagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	room, _, err := s.CreateRoom(ctx, "", "direct", alice, []int64{bob})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.CreateMessage(ctx, NewMessage{RoomID: room.ID, SenderID: alice, Content: "needle here"})
		require.NoError(t, err)
	}
	_, err = s.CreateMessage(ctx, NewMessage{RoomID: room.ID, SenderID: bob, Content: "nothing"})
	require.NoError(t, err)

	res, err := s.AdvancedSearch(ctx, room.ID, SearchFilter{Query: "needle", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Total)
	assert.Len(t, res.Messages, 2)
	assert.True(t, res.HasMore)

	res, err = s.AdvancedSearch(ctx, room.ID, SearchFilter{Query: "needle", Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, res.Messages, 1)
	assert.False(t, res.HasMore)

	bySender, err := s.AdvancedSearch(ctx, room.ID, SearchFilter{SenderID: bob})
	require.NoError(t, err)
	assert.Equal(t, int64(1), bySender.Total)
}

func TestScanJob_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")

	room, _, err := s.CreateRoom(ctx, "team", "group", alice, nil)
	require.NoError(t, err)

	job := ScanJob{
		JobID: "j-1", UserID: alice, RoomID: room.ID,
		TempPath: "/tmp/q/j-1", FinalPath: "/data/uploads/a.png",
		FileName: "a.png", FileType: "image", FileSize: 42,
	}
	require.NoError(t, s.CreateScanJob(ctx, job))

	require.NoError(t, s.UpdateScanJob(ctx, "j-1", ScanStatusScanning, "", ""))
	require.NoError(t, s.UpdateScanJob(ctx, "j-1", ScanStatusClean, "clean", "tok-abc"))

	got, err := s.GetScanJob(ctx, "j-1")
	require.NoError(t, err)
	assert.Equal(t, ScanStatusClean, got.Status)
	assert.Equal(t, "tok-abc", got.Token)

	// A later status update without a token keeps the issued token.
	require.NoError(t, s.UpdateScanJob(ctx, "j-1", ScanStatusClean, "", ""))
	got, err = s.GetScanJob(ctx, "j-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", got.Token)
}

func TestListUserRooms_DirectRoomShowsPartner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	room, _, err := s.CreateRoom(ctx, "", "direct", alice, []int64{bob})
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, NewMessage{RoomID: room.ID, SenderID: bob, Content: "hey"})
	require.NoError(t, err)

	rooms, err := s.ListUserRooms(ctx, alice)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "bob", rooms[0].Name)
	assert.Equal(t, bob, rooms[0].PartnerID)
	assert.Equal(t, int64(2), rooms[0].MemberCount)
	assert.Equal(t, int64(1), rooms[0].UnreadCount)
	require.NotNil(t, rooms[0].LastMessage)
	assert.Equal(t, "hey", rooms[0].LastMessage.Content)
}

func TestListUserRooms_PinnedSortsFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	older, _, err := s.CreateRoom(ctx, "older", "group", alice, []int64{bob})
	require.NoError(t, err)
	newer, _, err := s.CreateRoom(ctx, "newer", "group", alice, []int64{bob})
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, NewMessage{RoomID: newer.ID, SenderID: bob, Content: "recent"})
	require.NoError(t, err)

	require.NoError(t, s.SetRoomPinned(ctx, older.ID, alice, true))

	rooms, err := s.ListUserRooms(ctx, alice)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, older.ID, rooms[0].ID, "pinned room sorts above newer activity")
}

func TestPinMessage_IdempotentAndListed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")

	room, _, err := s.CreateRoom(ctx, "team", "group", alice, nil)
	require.NoError(t, err)
	msg, err := s.CreateMessage(ctx, NewMessage{RoomID: room.ID, SenderID: alice, Content: "notice"})
	require.NoError(t, err)

	p1, err := s.PinMessage(ctx, room.ID, msg.ID, alice)
	require.NoError(t, err)
	p2, err := s.PinMessage(ctx, room.ID, msg.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID)

	pins, err := s.ListPinnedMessages(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, pins, 1)
	assert.Equal(t, "notice", pins[0].Content)

	require.NoError(t, s.UnpinMessage(ctx, room.ID, msg.ID))
	assert.ErrorIs(t, s.UnpinMessage(ctx, room.ID, msg.ID), ErrNotFound)
}

func TestProvisionSSOUser_CollidingUsernameGetsSuffix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateUser(t, s, "alice")

	u, err := s.ProvisionSSOUser(ctx, "corp", "subj-1", "alice", "Alice", "h")
	require.NoError(t, err)
	assert.Equal(t, "alice1", u.Username)

	// Second login with the same subject resolves the same account.
	again, err := s.ProvisionSSOUser(ctx, "corp", "subj-1", "alice", "Alice", "h")
	require.NoError(t, err)
	assert.Equal(t, u.ID, again.ID)
}

func TestDeleteRoom_ReturnsFilePaths(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")

	room, _, err := s.CreateRoom(ctx, "team", "group", alice, nil)
	require.NoError(t, err)
	msg, err := s.CreateMessage(ctx, NewMessage{RoomID: room.ID, SenderID: alice, Content: "f", MessageType: "file", FilePath: "p1", FileName: "f1"})
	require.NoError(t, err)
	_, err = s.CreateRoomFile(ctx, room.ID, msg.ID, "p1", "f1", "file", 1, alice)
	require.NoError(t, err)

	paths, err := s.DeleteRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, paths)

	_, err = s.GetRoomByID(ctx, room.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
