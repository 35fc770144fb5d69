package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Kizuna/common/crypto"
	"github.com/bdobrica/Kizuna/internal/kizuna/memory"
	"github.com/bdobrica/Kizuna/internal/kizuna/state"
)

type fakeSource struct {
	sess  state.Session
	frags []memory.Fragment
}

func (f fakeSource) Session(_ context.Context, id string) (state.Session, error) {
	if id != f.sess.ID {
		return state.Session{}, state.ErrSessionNotFound
	}
	return f.sess, nil
}

func (f fakeSource) Fragments(context.Context, string) ([]memory.Fragment, error) {
	return f.frags, nil
}

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (p *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.input = in
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	p.body = body
	return &s3.PutObjectOutput{}, nil
}

func testSource() fakeSource {
	at := time.Date(2026, 2, 24, 10, 0, 0, 0, time.UTC)
	return fakeSource{
		sess: state.NewSession("s1", "yuki", "", at),
		frags: []memory.Fragment{
			{ID: "01A", SessionID: "s1", Kind: memory.KindTurn, Role: memory.RoleUser, Content: "I like tea.", CreatedAt: at},
			{ID: "01B", SessionID: "s1", Kind: memory.KindSynthesis, Content: "Goal: relax", CreatedAt: at},
		},
	}
}

func TestExporter_Dir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	sink, err := NewDirSink(dir)
	require.NoError(t, err)

	x := NewExporter(testSource(), sink, nil)
	x.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }

	loc, err := x.Export(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "s1.json"), loc)

	data, err := os.ReadFile(loc)
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, FormatVersion, doc.FormatVersion)
	assert.Equal(t, "s1", doc.Session.ID)
	assert.Equal(t, 50, doc.Session.AffectionScore)
	require.Len(t, doc.Fragments, 2)
	assert.Equal(t, memory.KindSynthesis, doc.Fragments[1].Kind)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestExporter_UnknownSession(t *testing.T) {
	sink, err := NewDirSink(t.TempDir())
	require.NoError(t, err)
	_, err = NewExporter(testSource(), sink, nil).Export(context.Background(), "nope")
	assert.ErrorIs(t, err, state.ErrSessionNotFound)
}

func TestExporter_EmptyFragments(t *testing.T) {
	src := testSource()
	src.frags = nil
	doc, err := NewExporter(src, nil, nil).Build(context.Background(), "s1")
	require.NoError(t, err)
	assert.NotNil(t, doc.Fragments)
	assert.Empty(t, doc.Fragments)
}

func TestDirSink_RejectsPaths(t *testing.T) {
	sink, err := NewDirSink(t.TempDir())
	require.NoError(t, err)
	for _, name := range []string{"", "../escape.json", "a/b.json"} {
		_, err := sink.Put(context.Background(), name, []byte("{}"))
		assert.Error(t, err, name)
	}

	_, err = NewDirSink(" ")
	assert.Error(t, err)
}

func TestS3Sink(t *testing.T) {
	p := &fakePutter{}
	sink, err := NewS3Sink(p, "kizuna-archive", "/exports/")
	require.NoError(t, err)

	loc, err := NewExporter(testSource(), sink, nil).Export(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s3://kizuna-archive/exports/s1.json", loc)
	assert.Equal(t, "kizuna-archive", aws.ToString(p.input.Bucket))
	assert.Equal(t, "exports/s1.json", aws.ToString(p.input.Key))
	assert.Equal(t, "application/json", aws.ToString(p.input.ContentType))

	var doc Document
	require.NoError(t, json.Unmarshal(p.body, &doc))
	assert.Len(t, doc.Fragments, 2)
}

func TestS3Sink_Errors(t *testing.T) {
	_, err := NewS3Sink(nil, "b", "")
	assert.Error(t, err)
	_, err = NewS3Sink(&fakePutter{}, "", "")
	assert.Error(t, err)

	sink, err := NewS3Sink(&fakePutter{err: errors.New("access denied")}, "b", "")
	require.NoError(t, err)
	_, err = sink.Put(context.Background(), "s1.json", []byte("{}"))
	assert.ErrorContains(t, err, "access denied")
}

func testSealer(t *testing.T) *crypto.Sealer {
	t.Helper()
	key, err := crypto.ParseKey("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)
	s, err := crypto.NewSealer(key)
	require.NoError(t, err)
	return s
}

func TestSealedSink_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	plain, err := NewDirSink(dir)
	require.NoError(t, err)
	sealer := testSealer(t)
	sink, err := NewSealedSink(plain, sealer)
	require.NoError(t, err)

	loc, err := NewExporter(testSource(), sink, nil).Export(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "s1.json.enc"), loc)

	data, err := os.ReadFile(loc)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "I like tea.")

	doc, err := OpenDocument(loc, data, sealer)
	require.NoError(t, err)
	assert.Equal(t, "s1", doc.Session.ID)
	assert.Len(t, doc.Fragments, 2)

	_, err = OpenDocument(loc, data, nil)
	assert.ErrorContains(t, err, "no key")

	// the name is authenticated
	_, err = OpenDocument(filepath.Join(dir, "s2.json.enc"), data, sealer)
	assert.Error(t, err)
}

func TestOpenDocument_Plain(t *testing.T) {
	data, err := json.Marshal(Document{FormatVersion: FormatVersion, Session: state.Session{ID: "s1"}})
	require.NoError(t, err)
	doc, err := OpenDocument("s1.json", data, nil)
	require.NoError(t, err)
	assert.Equal(t, "s1", doc.Session.ID)

	_, err = OpenDocument("s1.json", []byte(`{"format_version": 99}`), nil)
	assert.ErrorContains(t, err, "unsupported format version")
}
