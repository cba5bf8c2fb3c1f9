package seeds

import (
    "testing"

    "github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
    cases := []struct {
        in   string
        want []string
    }{
        {"", nil},
        {"a:1", []string{"a:1"}},
        {" b:2 , a:1 ", []string{"a:1", "b:2"}},
        {",,a:1, ,a:1,", []string{"a:1"}},
    }
    for _, c := range cases {
        require.Equal(t, c.want, Split(c.in), "input %q", c.in)
    }
}

func TestMergeAndWithout(t *testing.T) {
    p := Merge(Func(func() []string { return []string{"c:3", "a:1"} }), nil, Func(func() []string { return []string{"a:1", "b:2"} }))
    require.Equal(t, []string{"a:1", "b:2", "c:3"}, p.Seeds())
    require.Equal(t, []string{"a:1", "c:3"}, Without(p.Seeds(), "b:2"))
}
