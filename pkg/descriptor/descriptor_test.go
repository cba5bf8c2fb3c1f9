package descriptor

import (
    "context"
    "errors"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
    d, err := Parse([]byte(`{"seq":4,"final":true,"id":"v1","me":2,"active":[3,2],"deactivating":[5],"inactive":[1]}`))
    require.NoError(t, err)
    assert.Equal(t, int64(4), d.Seq)
    assert.Equal(t, []int{2, 3}, d.Active)
    assert.Equal(t, "v1", d.View())
    assert.True(t, d.Leaving(5))
    assert.True(t, d.Leaving(1))
    assert.False(t, d.Leaving(3))
    assert.False(t, d.Leaving(99))

    d, err = Parse([]byte(`{"seq":0,"final":false,"id":null,"me":1,"active":[1]}`))
    require.NoError(t, err)
    assert.Equal(t, "", d.View())

    cases := map[string]string{
        "garbage":      `{"seq":`,
        "negative seq": `{"seq":-1,"me":1,"active":[1]}`,
        "overlap":      `{"seq":1,"me":1,"active":[1,2],"inactive":[2]}`,
        "me missing":   `{"seq":1,"me":7,"active":[1]}`,
    }
    for name, in := range cases {
        _, err := Parse([]byte(in))
        assert.ErrorIs(t, err, ErrMalformed, name)
    }
    _, err = Parse(nil)
    assert.ErrorIs(t, err, ErrUnavailable)
}

func TestReaderRejectsSeqRegression(t *testing.T) {
    ctx := context.Background()
    src := NewStatic(nil)
    r := NewReader(src, nil)
    _, err := r.Read(ctx)
    require.ErrorIs(t, err, ErrUnavailable)

    require.NoError(t, src.Set(&Raw{Seq: 5, Final: true, Me: 1, Active: []int{1}}))
    d, err := r.Read(ctx)
    require.NoError(t, err)
    assert.Equal(t, int64(5), d.Seq)

    require.NoError(t, src.Set(&Raw{Seq: 3, Final: true, Me: 1, Active: []int{1, 2}}))
    d, err = r.Read(ctx)
    require.ErrorIs(t, err, ErrSeqRegression)
    assert.Equal(t, int64(5), d.Seq)
    assert.Equal(t, int64(5), r.Last().Seq)

    require.NoError(t, src.Set(&Raw{Seq: 6, Final: false, Me: 1, Active: []int{1}, Deactivating: []int{2}}))
    d, err = r.Final(ctx)
    require.True(t, errors.Is(err, ErrNotFinal))
    assert.Equal(t, int64(6), d.Seq)
}
