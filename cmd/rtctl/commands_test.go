package main

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestUncertainSerialIntervalFlags(t *testing.T) {
	var flags analysisFlags
	cmd := &cobra.Command{Use: "estimate"}
	flags.register(cmd)

	err := cmd.Flags().Parse([]string{"--dataset", "ebola-2014", "--si", "uncertain", "--si-mean", "8.6", "--si-sd", "6.3", "--si-mean-sd", "1", "--si-max-sd", "9"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	req, err := flags.request()
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	u := req.SerialInterval.Uncertainty
	if u == nil || u.MeanSD != 1 || u.MaxSD != 9 || u.MinMean != 0 {
		t.Fatalf("unexpected uncertainty %+v", u)
	}

	var plain analysisFlags
	cmd = &cobra.Command{Use: "estimate"}
	plain.register(cmd)
	if err := cmd.Flags().Parse([]string{"--dataset", "ebola-2014", "--si", "uncertain", "--si-mean", "8.6", "--si-sd", "6.3"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	req, err = plain.request()
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.SerialInterval.Uncertainty != nil {
		t.Fatalf("unset bounds should be left to the server defaults, got %+v", req.SerialInterval.Uncertainty)
	}
}
