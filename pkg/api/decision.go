package api

// Decision maps each moved key to the cluster position index of its new
// owner, in the member list fixed at the start of the round. Keys which are
// not being moved are absent.
type Decision map[Key]uint32
