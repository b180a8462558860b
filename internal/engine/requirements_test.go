package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequirement(t *testing.T) {
	tests := []struct {
		line string
		want Requirement
		ok   bool
	}{
		{line: "require board=sim", want: Requirement{Var: "product", Options: []string{"sim"}}, ok: true},
		{line: "board=sim", want: Requirement{Var: "product", Options: []string{"sim"}}, ok: true},
		{
			line: "require version-bootloader=1.0|2.*",
			want: Requirement{Var: "version-bootloader", Options: []string{"1.0", "2.*"}},
			ok:   true,
		},
		{line: "reject version-baseband=bad", want: Requirement{Var: "version-baseband", Reject: true, Options: []string{"bad"}}, ok: true},
		{
			line: "require-for-product:sim version-bootloader=3",
			want: Requirement{Var: "version-bootloader", Product: "sim", Options: []string{"3"}},
			ok:   true,
		},
		{line: "nonsense", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := ParseRequirement(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestRequirementMatches(t *testing.T) {
	r := Requirement{Var: "v", Options: []string{"1.0", "2.*"}}
	assert.True(t, r.Matches("1.0"))
	assert.True(t, r.Matches("2.5"))
	assert.False(t, r.Matches("1.1"))

	r.Reject = true
	assert.False(t, r.Matches("2.5"))
	assert.True(t, r.Matches("3"))
}

func TestCheckRequirements(t *testing.T) {
	d := testDevice()
	d.Vars["version-bootloader"] = "2.3"
	f := newFixture(t, d)

	require.NoError(t, f.plan.CheckRequirements("require board=sim\nrequire version-bootloader=2.*\n"))
	require.NoError(t, f.plan.CheckRequirements("require-for-product:other version-bootloader=9\n"))
	require.NoError(t, f.plan.CheckRequirements("this line is not a requirement\n"))

	err := f.plan.CheckRequirements("reject version-bootloader=2.3\n")
	var re *RequirementError
	require.ErrorAs(t, err, &re)
	assert.True(t, re.Reject)
	assert.Contains(t, err.Error(), "device version-bootloader is '2.3', update rejects '2.3'")

	err = f.plan.CheckRequirements("require version-baseband=1\n")
	require.ErrorAs(t, err, &re)
	assert.Error(t, re.Err)

	t.Run("force proceeds", func(t *testing.T) {
		f.plan.ForceFlash = true
		defer func() { f.plan.ForceFlash = false }()
		require.NoError(t, f.plan.CheckRequirements("require board=other\n"))
	})
}

func TestRequirePartitionExists(t *testing.T) {
	f := newFixture(t, testDevice())

	require.NoError(t, f.plan.CheckRequirements("require partition-exists=userdata\n"))
	for _, img := range f.plan.Images {
		if img.Nickname == "userdata" {
			assert.False(t, img.OptionalIfNoImage)
		}
	}

	err := f.plan.CheckRequirements("require partition-exists=odm\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "doesn't have required partition odm")

	f.sim.AddPartition("mystery", 4096, false, false)
	err = f.plan.CheckRequirements("require partition-exists=mystery\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not known")

	t.Run("forced requirement still enforced", func(t *testing.T) {
		f.plan.ForceFlash = true
		require.Error(t, f.plan.CheckRequirements("require partition-exists=odm\n"))
	})
}
