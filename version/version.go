package version

// Version of the voxBridge relay server. Updated as part of the release process.
const Version = "0.9.0"
