package types

// Version is the canonical project version.
// CLI, worker control protocol, and platform bridge share this version
// per the lockstep versioning policy.
const Version = "0.3.0"
