package objectstore

import "testing"

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:        "localhost:9000",
		AccessKey:       "a",
		SecretKey:       "b",
		Region:          "eu-west-1",
		BucketArtifacts: "pipeline-artifacts",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	roleBased := valid
	roleBased.AccessKey = ""
	roleBased.SecretKey = ""
	if err := roleBased.Validate(); err != nil {
		t.Fatalf("Validate() err=%v for role based credentials", err)
	}

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}

	halfKeys := valid
	halfKeys.SecretKey = ""
	if err := halfKeys.Validate(); err == nil {
		t.Fatalf("Validate() expected error for partial static keys")
	}

	noBucket := valid
	noBucket.BucketArtifacts = " "
	if err := noBucket.Validate(); err == nil {
		t.Fatalf("Validate() expected error for missing bucket")
	}
}
